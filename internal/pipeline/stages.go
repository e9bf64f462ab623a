package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/status"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/tracing"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/vodpipeline/pkg/models"
)

// execute runs the stages of one attempt. Any error aborts the attempt; the
// returned outcome then holds the renditions produced so far.
func (p *Processor) execute(ctx context.Context, job *models.Job, tracker *status.Tracker) (outcome *Outcome, err error) {
	span, ctx := tracing.StartVideoSpan(ctx, "pipeline.attempt", job.VideoID)
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordError("pipeline", "panic")
			err = fmt.Errorf("panic during processing: %v", r)
		}
		tracing.LogError(span, err)
		tracing.FinishSpan(span)
	}()
	tracing.SetTag(span, "attempt", job.Attempts)

	if err := tracker.Begin(ctx, p.now()); err != nil {
		return nil, err
	}

	workDir, err := p.workspace.Prepare(job.VideoID)
	if err != nil {
		return nil, err
	}

	var meta *transcoder.Metadata
	err = p.stage(ctx, job.VideoID, "probe", progressProbed, func(ctx context.Context) error {
		var probeErr error
		meta, probeErr = p.engine.ExtractMetadata(ctx, job.SourcePath)
		if probeErr != nil {
			return probeErr
		}
		return tracker.Update(ctx, models.VideoUpdate{
			ProcessingProgress: models.Int(progressProbed),
			Width:              models.Int(meta.Width),
			Height:             models.Int(meta.Height),
			Duration:           models.Float64(meta.Duration),
			FileSize:           models.Int64(meta.FileSize),
			MimeType:           models.String(meta.MimeType),
		})
	})
	if err != nil {
		return nil, err
	}

	ladder := models.SelectLadder(meta.Width, meta.Height)
	renditions := make(models.Renditions, len(ladder))
	for i, tier := range ladder {
		renditions[i] = models.Rendition{
			Resolution: tier.Name,
			Status:     models.RenditionStatusPending,
			Bitrate:    tier.VideoBitrate,
		}
	}
	outcome = &Outcome{Renditions: renditions}
	if err := tracker.Update(ctx, models.VideoUpdate{Variants: &renditions}); err != nil {
		return outcome, err
	}

	err = p.stage(ctx, job.VideoID, "upload_original", progressUploaded, func(ctx context.Context) error {
		return p.uploadOriginal(ctx, job, tracker)
	})
	if err != nil {
		return outcome, err
	}

	// A missing thumbnail does not fail the attempt
	_ = p.stage(ctx, job.VideoID, "thumbnail", progressThumbnail, func(ctx context.Context) error {
		thumb, err := p.engine.GenerateThumbnail(ctx, transcoder.ThumbnailRequest{
			VideoID:    job.VideoID,
			SourcePath: job.SourcePath,
			WorkDir:    workDir,
			Duration:   meta.Duration,
			Width:      meta.Width,
			Height:     meta.Height,
		})
		update := models.VideoUpdate{ProcessingProgress: models.Int(progressThumbnail)}
		if err == nil {
			update.ThumbnailFile = models.String(thumb.Key)
			p.logger.WithVideoID(job.VideoID).
				WithField("thumbnail_width", thumb.Width).
				WithField("thumbnail_height", thumb.Height).
				Infof("Thumbnail stored at %s", thumb.Key)
		}
		if updateErr := tracker.Update(ctx, update); updateErr != nil && err == nil {
			err = updateErr
		}
		return err
	})

	span.LogKV("event", "renditions", "tiers", len(renditions))
	if err := p.transcodeAll(ctx, job, tracker, workDir, meta, ladder, renditions); err != nil {
		return outcome, err
	}

	err = p.stage(ctx, job.VideoID, "master", progressMaster, func(ctx context.Context) error {
		key, err := p.engine.AssembleMaster(ctx, job.VideoID, renditions)
		if err != nil {
			return err
		}
		outcome.MasterKey = key
		return tracker.Update(ctx, models.VideoUpdate{
			ProcessingProgress: models.Int(progressMaster),
			MasterPlaylist:     models.String(key),
		})
	})
	if errors.Is(err, transcoder.ErrNoRenditions) {
		return outcome, fmt.Errorf("%w: %s", errAllRenditionsFailed, failedTiers(renditions))
	}
	if err != nil {
		return outcome, err
	}

	outcome.Status = models.VideoStatusCompleted
	if len(renditions.Completed()) < len(renditions) {
		outcome.Status = models.VideoStatusPartial
		outcome.Error = fmt.Sprintf("%d of %d renditions failed: %s",
			len(renditions)-len(renditions.Completed()), len(renditions), failedTiers(renditions))
	}
	return outcome, nil
}

// failedTiers lists the failed tiers with the start of their errors
func failedTiers(renditions models.Renditions) string {
	var parts []string
	for _, r := range renditions {
		if r.Status != models.RenditionStatusFailed {
			continue
		}
		msg := r.ProcessingError
		if len(msg) > 120 {
			msg = msg[:120] + "..."
		}
		if msg == "" {
			parts = append(parts, r.Resolution)
			continue
		}
		parts = append(parts, r.Resolution+" ("+msg+")")
	}
	return strings.Join(parts, "; ")
}

// uploadOriginal stores the source unless an earlier attempt already did
func (p *Processor) uploadOriginal(ctx context.Context, job *models.Job, tracker *status.Tracker) error {
	if err := tracker.Progress(ctx, progressUploadStart); err != nil {
		p.logger.WithVideoID(job.VideoID).WarnWithErr("Failed to persist progress", err)
	}

	key := storage.OriginalKey(job.VideoID, job.OriginalFileName)
	exists, err := p.blobs.Exists(ctx, p.videoBucket, key)
	if err != nil {
		p.logger.WithVideoID(job.VideoID).WarnWithErr("Could not check for a stored original", err)
	}
	if !exists {
		if err := p.blobs.PutFile(ctx, p.videoBucket, key, job.SourcePath); err != nil {
			return &transcoder.UploadError{Key: key, Err: err}
		}
	}

	return tracker.Update(ctx, models.VideoUpdate{
		ProcessingProgress: models.Int(progressUploaded),
		VideoFile:          models.String(key),
	})
}

// transcodeAll encodes the tiers one after another. A failed tier is
// recorded on its rendition and the next tier still runs; only a cancelled
// context or a failed record write aborts the attempt.
func (p *Processor) transcodeAll(ctx context.Context, job *models.Job, tracker *status.Tracker, workDir string,
	meta *transcoder.Metadata, ladder []models.ResolutionProfile, renditions models.Renditions) error {
	span := float64(progressRenditionsEnd-progressThumbnail) / float64(len(ladder))
	logger := p.logger.WithVideoID(job.VideoID)

	for i, tier := range ladder {
		base := float64(progressThumbnail) + float64(i)*span
		end := progressThumbnail + (i+1)*(progressRenditionsEnd-progressThumbnail)/len(ladder)
		rendition := &renditions[i]

		if err := rendition.Advance(models.RenditionStatusProcessing); err != nil {
			return err
		}
		if err := tracker.Update(ctx, models.VideoUpdate{Variants: &renditions}); err != nil {
			return err
		}

		tierSpan, tierCtx := tracing.StartVideoSpan(ctx, "pipeline.transcode", job.VideoID)
		tracing.SetTag(tierSpan, "tier", tier.Name)
		start := time.Now()

		result, err := p.engine.Transcode(tierCtx, transcoder.TranscodeRequest{
			VideoID:      job.VideoID,
			SourcePath:   job.SourcePath,
			WorkDir:      workDir,
			Profile:      tier,
			SourceWidth:  meta.Width,
			SourceHeight: meta.Height,
			Duration:     meta.Duration,
		}, func(percent float64) {
			logger.LogTranscodingProgress(job.VideoID, tier.Name, percent)
			if err := tracker.Progress(ctx, int(base+percent/100*span)); err != nil {
				logger.WarnWithErr("Failed to persist progress", err)
			}
		})

		tracing.LogError(tierSpan, err)
		tracing.FinishSpan(tierSpan)
		metrics.RecordStage("transcode_"+tier.Name, time.Since(start).Seconds())

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rendition.ProcessingError = truncate(err.Error())
			if advErr := rendition.Advance(models.RenditionStatusFailed); advErr != nil {
				return advErr
			}
			logger.WithField("tier", tier.Name).WarnWithErr("Rendition failed", err)
		} else {
			rendition.Width = result.Width
			rendition.Height = result.Height
			rendition.FileSize = result.FileSize
			rendition.Bitrate = result.Bitrate
			rendition.PlaylistKey = result.PlaylistKey
			if advErr := rendition.Advance(models.RenditionStatusCompleted); advErr != nil {
				return advErr
			}
		}
		metrics.RecordRendition(tier.Name, rendition.Status)

		if err := tracker.Update(ctx, models.VideoUpdate{
			ProcessingProgress: models.Int(end),
			Variants:           &renditions,
		}); err != nil {
			return err
		}
	}

	return nil
}

// stage runs fn inside a span and records its duration
func (p *Processor) stage(ctx context.Context, videoID, name string, progress int, fn func(context.Context) error) error {
	var span opentracing.Span
	span, ctx = tracing.StartVideoSpan(ctx, "pipeline."+name, videoID)
	start := time.Now()

	err := fn(ctx)

	tracing.LogError(span, err)
	tracing.FinishSpan(span)
	metrics.RecordStage(name, time.Since(start).Seconds())
	p.logger.LogStageEvent(videoID, name, progress, time.Since(start), err)
	return err
}

func (o *Outcome) renditionsOrNil() models.Renditions {
	if o == nil {
		return nil
	}
	return o.Renditions
}
