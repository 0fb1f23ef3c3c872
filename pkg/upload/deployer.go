package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/go-units"
	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Methods reported in a Report.
const (
	MethodPresigned = "presigned"
	MethodArchive   = "archive"
)

// ErrPresignedUnsupported is the fallback cause when the server declines
// presigned uploads.
var ErrPresignedUnsupported = errors.New("server does not support presigned uploads")

// PresignedRunner runs the presigned flow.
type PresignedRunner interface {
	Upload(ctx context.Context) (*PresignedResult, error)
}

// ArchiveRunner runs the archive upload.
type ArchiveRunner interface {
	Upload(ctx context.Context) (*deploy.DeploymentResult, error)
}

// Report summarises a deployment run.
type Report struct {
	RunID  string                   `json:"runId"`
	Method string                   `json:"method"`
	Result *deploy.DeploymentResult `json:"result,omitempty"`
	// Outcome is empty for archive uploads.
	Outcome        deploy.UploadOutcome `json:"outcome"`
	FallbackReason string               `json:"fallbackReason,omitempty"`
}

// DeployerOptions configures a Deployer.
type DeployerOptions struct {
	// Fallback enables the archive upload when presigned upload is
	// unavailable.
	Fallback bool
}

// Deployer tries the presigned flow first and falls back to the archive
// upload while no file has been written to storage yet.
type Deployer struct {
	log       logrus.FieldLogger
	presigned PresignedRunner
	archive   ArchiveRunner
	opts      DeployerOptions
	newRunID  func() string
}

// NewDeployer creates a Deployer.
func NewDeployer(
	log logrus.FieldLogger,
	presigned PresignedRunner,
	archive ArchiveRunner,
	opts DeployerOptions,
) *Deployer {
	return &Deployer{
		log:       log.WithField("component", "deployer"),
		presigned: presigned,
		archive:   archive,
		opts:      opts,
		newRunID:  uuid.NewString,
	}
}

// Deploy runs one deployment and returns its report. On error the report
// holds whatever was known when the run stopped.
func (d *Deployer) Deploy(ctx context.Context) (*Report, error) {
	report := &Report{RunID: d.newRunID(), Method: MethodPresigned}
	log := d.log.WithField("run_id", report.RunID)

	log.Info("Starting deployment")

	res, err := d.presigned.Upload(ctx)
	if res != nil {
		report.Outcome = res.Outcome
	}

	cause := fallbackCause(res, err)
	if cause == nil {
		if err != nil {
			return report, err
		}

		report.Result = res.Deployment
		d.logResult(log, report)

		return report, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}

	report.FallbackReason = cause.Error()

	if !d.opts.Fallback {
		return report, fmt.Errorf("presigned upload unavailable and archive fallback disabled: %w", cause)
	}

	log.WithField("reason", cause.Error()).Warn("Falling back to archive upload")

	report.Method = MethodArchive

	result, err := d.archive.Upload(ctx)
	if err != nil {
		return report, err
	}

	report.Result = result
	d.logResult(log, report)

	return report, nil
}

// fallbackCause returns why the presigned flow could not be used, or nil
// when its outcome is final. Input errors and anything that happened after
// uploads started are final.
func fallbackCause(res *PresignedResult, err error) error {
	if err != nil {
		var abort *deploy.AbortError
		if !errors.As(err, &abort) || abort.UploadsStarted() {
			return nil
		}

		if abort.Stage < deploy.StageNegotiation {
			return nil
		}

		return err
	}

	switch res.Negotiation.Kind {
	case NegotiationNotSupported:
		return ErrPresignedUnsupported
	case NegotiationFailed:
		return fmt.Errorf("negotiation failed: %w", res.Negotiation.Err)
	default:
		return nil
	}
}

func (d *Deployer) logResult(log logrus.FieldLogger, report *Report) {
	r := report.Result
	if r == nil {
		return
	}

	log.WithFields(logrus.Fields{
		"method":        report.Method,
		"deployment_id": r.DeploymentID,
		"files":         r.FileCount,
		"size":          units.HumanSize(float64(r.TotalSize)),
	}).Info("Deployment complete")

	urls := []struct {
		kind string
		url  string
	}{
		{"sha", r.URLs.SHA},
		{"alias", r.URLs.Alias},
		{"preview", r.URLs.Preview},
		{"branch", r.URLs.Branch},
	}

	for _, u := range urls {
		if u.url == "" {
			continue
		}

		log.WithField("kind", u.kind).Info(u.url)
	}
}
