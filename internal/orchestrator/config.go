package orchestrator

import (
	"fmt"
	"time"

	"github.com/JakeFAU/listing-photo-ingest/internal/retry"
)

// Config tunes a run.
type Config struct {
	// StrictMode completes a property only when every source listed it.
	StrictMode bool `mapstructure:"strict_mode"`
	// PropertyWorkers bounds properties processed at once. Zero uses the
	// manager's slot count.
	PropertyWorkers int           `mapstructure:"property_workers"`
	ListTimeout     time.Duration `mapstructure:"list_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// TopErrors caps the error sample carried in results.
	TopErrors int          `mapstructure:"top_errors"`
	Retry     retry.Policy `mapstructure:"retry"`
}

// DefaultConfig returns the defaults used by the extract command.
func DefaultConfig() Config {
	return Config{
		ListTimeout:     60 * time.Second,
		DownloadTimeout: 30 * time.Second,
		TopErrors:       5,
		Retry:           retry.DefaultPolicy(),
	}
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.PropertyWorkers < 0 {
		return fmt.Errorf("extract.property_workers must be >= 0")
	}
	if c.ListTimeout < 0 || c.DownloadTimeout < 0 {
		return fmt.Errorf("extract timeouts must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("extract.retry.max_attempts must be >= 1")
	}
	return nil
}
