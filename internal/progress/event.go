package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// Stage denotes the lifecycle milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StagePropertyStart  Stage = "PROPERTY_START"
	StagePropertyDone   Stage = "PROPERTY_DONE"
	StagePropertyFailed Stage = "PROPERTY_FAILED"
	StageSourceDone     Stage = "SOURCE_DONE"
	StageSourceSkipped  Stage = "SOURCE_SKIPPED"
	StageImageStored    Stage = "IMAGE_STORED"
	StageImageDuplicate Stage = "IMAGE_DUPLICATE"
)

// Event is one progress record.
type Event struct {
	RunID       string             `json:"run_id"`
	TS          time.Time          `json:"ts"`
	Stage       Stage              `json:"stage"`
	PropertyKey ingest.PropertyKey `json:"property_key,omitempty"`
	Source      string             `json:"source,omitempty"`
	// URL is the image URL for image stages.
	URL string `json:"url,omitempty"`
	// Images counts images added for property and source completions.
	Images int           `json:"images,omitempty"`
	Bytes  int64         `json:"bytes,omitempty"`
	Dur    time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StagePropertyStart, StagePropertyDone, StagePropertyFailed:
		if e.PropertyKey == "" {
			return fmt.Errorf("%s requires property key", e.Stage)
		}
	case StageSourceDone, StageSourceSkipped:
		if e.PropertyKey == "" || e.Source == "" {
			return fmt.Errorf("%s requires property key and source", e.Stage)
		}
	case StageImageStored, StageImageDuplicate:
		if e.PropertyKey == "" || e.URL == "" {
			return fmt.Errorf("%s requires property key and url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out a property.
func (e Event) Terminal() bool {
	return e.Stage == StagePropertyDone || e.Stage == StagePropertyFailed
}
