package upload

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultConcurrency is the window size used when none is configured.
	DefaultConcurrency = 10

	// DefaultMaxAttempts is the per-file attempt count used when none is
	// configured.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the first retry delay. Retry n waits
	// base * 2^n.
	DefaultBackoffBase = time.Second

	// progressEvery controls how often progress is logged.
	progressEvery = 100
)

// Putter writes one file to a presigned destination.
type Putter interface {
	PutFile(ctx context.Context, destination string, file deploy.FileDescriptor, body io.Reader) error
}

// BatchOptions tunes a BatchUploader. Zero values select the defaults.
type BatchOptions struct {
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
	// RequestsPerSecond paces PUT attempts across the batch. Zero
	// disables pacing.
	RequestsPerSecond float64
}

// BatchUploader drives a list of upload tasks to completion in sequential
// windows of Concurrency tasks. Tasks inside a window run in parallel and
// are retried with exponential backoff. The next window starts only after
// every task of the current one succeeded or exhausted its attempts.
type BatchUploader struct {
	log     logrus.FieldLogger
	putter  Putter
	opts    BatchOptions
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
	open  func(name string) (io.ReadCloser, error)
}

// NewBatchUploader creates a BatchUploader that writes through putter.
func NewBatchUploader(log logrus.FieldLogger, putter Putter, opts BatchOptions) *BatchUploader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}

	u := &BatchUploader{
		log:    log.WithField("component", "batch-uploader"),
		putter: putter,
		opts:   opts,
		sleep:  sleepContext,
		open: func(name string) (io.ReadCloser, error) {
			return os.Open(name)
		},
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(math.Ceil(opts.RequestsPerSecond))
		u.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return u
}

// Upload processes every task and returns the terminal state of each one.
// It never stops early; deciding whether failures are fatal is left to the
// caller.
func (u *BatchUploader) Upload(ctx context.Context, tasks []deploy.UploadTask) deploy.UploadOutcome {
	outcome := deploy.UploadOutcome{
		Succeeded: make([]string, 0, len(tasks)),
	}

	total := len(tasks)
	windows := (total + u.opts.Concurrency - 1) / u.opts.Concurrency

	u.log.WithFields(logrus.Fields{
		"files":        total,
		"concurrency":  u.opts.Concurrency,
		"windows":      windows,
		"max_attempts": u.opts.MaxAttempts,
	}).Info("Uploading files to presigned URLs")

	for start, window := 0, 0; start < total; start, window = start+u.opts.Concurrency, window+1 {
		end := min(start+u.opts.Concurrency, total)
		batch := tasks[start:end]

		results := make([]error, len(batch))

		// g only joins the window. Tasks never return an error to it, so a
		// failed file cannot cancel its siblings; each task reports through
		// its own results slot instead.
		var g errgroup.Group

		for i, task := range batch {
			g.Go(func() error {
				results[i] = u.uploadWithRetry(ctx, task)

				return nil
			})
		}

		_ = g.Wait()

		before := outcome.Total()

		for i, task := range batch {
			if results[i] == nil {
				outcome.Succeeded = append(outcome.Succeeded, task.File.Path)

				continue
			}

			outcome.Failed = append(outcome.Failed, deploy.FileFailure{
				Path:  task.File.Path,
				Error: results[i].Error(),
			})
		}

		completed := outcome.Total()

		u.log.WithFields(logrus.Fields{
			"window":    window + 1,
			"windows":   windows,
			"succeeded": len(outcome.Succeeded),
			"failed":    len(outcome.Failed),
		}).Debug("Window completed")

		if completed/progressEvery != before/progressEvery || completed == total {
			u.log.WithFields(logrus.Fields{
				"completed": completed,
				"total":     total,
			}).Info("Upload progress")
		}
	}

	return outcome
}

// uploadWithRetry attempts a task up to MaxAttempts times and returns the
// last error if none succeeded.
func (u *BatchUploader) uploadWithRetry(ctx context.Context, task deploy.UploadTask) error {
	var lastErr error

	for attempt := 0; attempt < u.opts.MaxAttempts; attempt++ {
		lastErr = u.attempt(ctx, task)
		if lastErr == nil {
			return nil
		}

		if attempt == u.opts.MaxAttempts-1 {
			break
		}

		delay := u.backoff(attempt)

		u.log.WithError(lastErr).WithFields(logrus.Fields{
			"path":    task.File.Path,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("Upload attempt failed, retrying")

		if err := u.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
	}

	return lastErr
}

// attempt performs a single PUT with a fresh read stream.
func (u *BatchUploader) attempt(ctx context.Context, task deploy.UploadTask) error {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return &deploy.UploadError{Path: task.File.Path, Err: err}
		}
	}

	f, err := u.open(task.File.AbsolutePath)
	if err != nil {
		return &deploy.UploadError{Path: task.File.Path, Err: fmt.Errorf("opening file: %w", err)}
	}

	defer func() { _ = f.Close() }()

	return u.putter.PutFile(ctx, task.URL, task.File, f)
}

// backoff returns the delay before retry number attempt+1.
func (u *BatchUploader) backoff(attempt int) time.Duration {
	return u.opts.BackoffBase * time.Duration(1<<attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
