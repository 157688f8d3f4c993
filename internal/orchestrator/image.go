package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/metrics"
	"github.com/JakeFAU/listing-photo-ingest/internal/progress"
	"github.com/JakeFAU/listing-photo-ingest/internal/retry"
)

// Image outcomes reported to metrics.
const (
	outcomeStored    = "stored"
	outcomeDuplicate = "duplicate"
	outcomeKnown     = "known"
	outcomeRefreshed = "refreshed"
	outcomeInvalid   = "invalid"
	outcomeFailed    = "failed"
)

// processURL handles one candidate. Errors stay local to the URL.
func (o *Orchestrator) processURL(
	ctx context.Context,
	runID string,
	key ingest.PropertyKey,
	src ingest.Source,
	url string,
	logger *zap.Logger,
) urlCounts {
	counts := urlCounts{found: 1}
	name := src.Name()
	logger = logger.With(zap.String("url", url))

	check := o.deps.State.CheckURL(key, url, "")
	if !check.NeedsDownload() {
		o.deps.State.TouchURL(key, url)
		counts.known++
		metrics.ObserveImage(name, outcomeKnown)
		return counts
	}
	if ctx.Err() != nil {
		return counts
	}

	raw, err := o.download(ctx, src, url)
	if err != nil {
		if ctx.Err() == nil {
			counts.failed++
			metrics.ObserveImage(name, outcomeFailed)
			o.logFailure(logger, "download failed", err)
		}
		return counts
	}

	processed, err := o.standardize(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return counts
		}
		counts.invalid++
		metrics.ObserveImage(name, outcomeInvalid)
		o.logFailure(logger, "image rejected", err)
		return counts
	}

	contentHash, err := o.deps.Store.Hash(processed.png)
	if err != nil {
		counts.failed++
		logger.Error("hash standardized image", zap.Error(err))
		return counts
	}

	// A re-sighted URL whose bytes did not change only needs its entry refreshed.
	if check != ingest.URLCheckNew {
		if prev, ok := o.deps.State.URLEntry(key, url); ok && prev.ContentHash == contentHash {
			o.deps.State.RegisterURL(url, prev.ImageID, key, contentHash, name)
			counts.known++
			metrics.ObserveImage(name, outcomeRefreshed)
			logger.Debug("url refreshed", zap.String("check", string(check)))
			return counts
		}
	}

	// Byte-identical content already in this property's manifest.
	if existing, ok := o.deps.State.FindByContentHash(key, contentHash); ok {
		o.deps.State.RegisterURL(url, existing.ImageID, key, contentHash, name)
		counts.duplicate++
		metrics.ObserveImage(name, outcomeDuplicate)
		o.emit(progress.Event{RunID: runID, Stage: progress.StageImageDuplicate, PropertyKey: key, Source: name, URL: url, Note: existing.ImageID})
		return counts
	}

	imageID := ingest.NewImageID(key, contentHash)
	if dup, matched := o.deps.Dedup.Admit(imageID, processed.coarse, processed.fine, key, name); dup {
		o.deps.State.RegisterURL(url, matched, key, contentHash, name)
		counts.duplicate++
		metrics.ObserveImage(name, outcomeDuplicate)
		o.emit(progress.Event{RunID: runID, Stage: progress.StageImageDuplicate, PropertyKey: key, Source: name, URL: url, Note: matched})
		logger.Debug("visual duplicate", zap.String("duplicate_of", matched))
		return counts
	}

	res, err := o.deps.Store.Store(ctx, processed.png)
	if err != nil {
		o.deps.Dedup.Forget(imageID)
		counts.failed++
		metrics.ObserveImage(name, outcomeFailed)
		logger.Error("store image", zap.Error(err))
		return counts
	}

	now := o.deps.Clock.Now()
	meta := ingest.ImageMetadata{
		ImageID:     imageID,
		PropertyKey: key,
		Source:      name,
		SourceURL:   url,
		StoragePath: res.Path,
		ContentHash: contentHash,
		CoarseHash:  processed.coarse,
		FineHash:    processed.fine,
		Width:       processed.width,
		Height:      processed.height,
		ByteSize:    int64(len(processed.png)),
		Status:      ingest.ImageStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.deps.State.RegisterURL(url, imageID, key, contentHash, name)
	if !o.deps.State.AppendManifest(meta) {
		// Identical bytes from another URL of this property won the race.
		counts.duplicate++
		metrics.ObserveImage(name, outcomeDuplicate)
		o.emit(progress.Event{RunID: runID, Stage: progress.StageImageDuplicate, PropertyKey: key, Source: name, URL: url, Note: imageID})
		return counts
	}
	counts.unique++
	metrics.ObserveImage(name, outcomeStored)
	o.emit(progress.Event{RunID: runID, Stage: progress.StageImageStored, PropertyKey: key, Source: name, URL: url, Bytes: meta.ByteSize})
	return counts
}

// download holds one slot per attempt sequence.
func (o *Orchestrator) download(ctx context.Context, src ingest.Source, url string) ([]byte, error) {
	release, err := o.deps.Manager.AcquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, attempts, err := retry.Do(ctx, o.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		if err := o.deps.Manager.Wait(ctx, src.Name()); err != nil {
			return nil, err
		}
		callCtx, cancel := withTimeout(ctx, o.cfg.DownloadTimeout)
		defer cancel()
		data, _, err := src.FetchImage(callCtx, url)
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch after %d attempt(s): %w", attempts, err)
	}
	return raw, nil
}

type processedImage struct {
	png          []byte
	width        int
	height       int
	coarse, fine ingest.PerceptualHash
}

// standardize runs decode, resize, encode and hashing in the CPU category.
func (o *Orchestrator) standardize(ctx context.Context, raw []byte) (processedImage, error) {
	release, err := o.deps.Manager.AcquireCPU(ctx)
	if err != nil {
		return processedImage{}, err
	}
	defer release()

	out, err := o.deps.Standardizer.Process(raw)
	if err != nil {
		return processedImage{}, err
	}
	coarse, fine, err := o.deps.Hasher.HashImage(out.Image)
	if err != nil {
		return processedImage{}, err
	}
	return processedImage{png: out.PNG, width: out.Width, height: out.Height, coarse: coarse, fine: fine}, nil
}
