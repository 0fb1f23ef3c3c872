package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/deployoor/pkg/catalog"
	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/sirupsen/logrus"
)

// maxMissingListed caps the paths quoted when destinations are missing.
const maxMissingListed = 5

// Transport is the deployment API surface used by the presigned flow.
type Transport interface {
	Putter
	Prepare(ctx context.Context, req *deploy.BatchUploadRequest) (*deploy.BatchUploadSession, error)
	Finalize(ctx context.Context, uploadToken string) (*deploy.DeploymentResult, error)
}

// NegotiationKind tells whether the server accepted a presigned upload.
type NegotiationKind int

const (
	// NegotiationSupported means the server issued destinations.
	NegotiationSupported NegotiationKind = iota
	// NegotiationNotSupported means the server declined direct upload.
	NegotiationNotSupported
	// NegotiationFailed means the prepare call itself failed.
	NegotiationFailed
)

func (k NegotiationKind) String() string {
	switch k {
	case NegotiationSupported:
		return "supported"
	case NegotiationNotSupported:
		return "not_supported"
	case NegotiationFailed:
		return "failed"
	default:
		return fmt.Sprintf("negotiation(%d)", int(k))
	}
}

// Negotiation is the result of asking the server for a presigned session.
type Negotiation struct {
	Kind    NegotiationKind
	Session *deploy.BatchUploadSession
	Err     error
}

// Negotiate calls Prepare and classifies the outcome. Errors never escape;
// they are returned as NegotiationFailed.
func Negotiate(ctx context.Context, t Transport, req *deploy.BatchUploadRequest) Negotiation {
	session, err := t.Prepare(ctx, req)
	if err != nil {
		return Negotiation{Kind: NegotiationFailed, Err: err}
	}

	if !session.Supported {
		return Negotiation{Kind: NegotiationNotSupported, Session: session}
	}

	return Negotiation{Kind: NegotiationSupported, Session: session}
}

// PresignedResult is the outcome of an Orchestrator run.
type PresignedResult struct {
	Negotiation Negotiation
	// Deployment is set only when the run was finalized.
	Deployment *deploy.DeploymentResult
	// Outcome is populated once uploads ran.
	Outcome deploy.UploadOutcome
}

// Fallback reports whether the caller should use the archive upload.
func (r *PresignedResult) Fallback() bool {
	return r.Negotiation.Kind != NegotiationSupported
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// SourceDir is the local build directory.
	SourceDir string
	// BasePath prefixes every deployment path.
	BasePath string
	// Metadata is sent with the negotiation request.
	Metadata deploy.Metadata
	// FailureSampleSize caps the failures listed in the partial failure
	// warning.
	FailureSampleSize int
}

// Orchestrator runs the presigned upload flow: validate, catalogue,
// negotiate, upload, evaluate and finalize.
type Orchestrator struct {
	log       logrus.FieldLogger
	transport Transport
	batch     *BatchUploader
	opts      OrchestratorOptions
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	log logrus.FieldLogger,
	transport Transport,
	batch *BatchUploader,
	opts OrchestratorOptions,
) *Orchestrator {
	return &Orchestrator{
		log:       log.WithField("component", "presigned-upload"),
		transport: transport,
		batch:     batch,
		opts:      opts,
	}
}

// Upload runs the flow. A result with Fallback() == true and a nil error
// means presigned upload is unavailable and nothing was uploaded. Fatal
// failures are returned as *deploy.AbortError; after uploads began the
// result carries the outcome alongside the error.
func (o *Orchestrator) Upload(ctx context.Context) (*PresignedResult, error) {
	if err := catalog.ValidateDirectory(o.opts.SourceDir); err != nil {
		return nil, &deploy.AbortError{Stage: deploy.StageValidation, Err: err}
	}

	files, err := catalog.Walk(o.opts.SourceDir, o.opts.BasePath)
	if err != nil {
		return nil, &deploy.AbortError{Stage: deploy.StageCatalogue, Err: &deploy.InputError{Err: err}}
	}

	if len(files) == 0 {
		return nil, &deploy.AbortError{Stage: deploy.StageCatalogue, Err: &deploy.InputError{Err: deploy.ErrNoFiles}}
	}

	o.log.WithField("files", len(files)).Info("Catalogued files")

	req := &deploy.BatchUploadRequest{
		Metadata: o.opts.Metadata,
		Files:    files,
	}

	negotiation := Negotiate(ctx, o.transport, req)
	result := &PresignedResult{Negotiation: negotiation}

	switch negotiation.Kind {
	case NegotiationNotSupported:
		o.log.Info("Server does not support presigned uploads")

		return result, nil
	case NegotiationFailed:
		o.log.WithError(negotiation.Err).Warn("Presigned upload negotiation failed")

		return result, nil
	}

	session := negotiation.Session

	if err := checkSession(session); err != nil {
		return nil, &deploy.AbortError{Stage: deploy.StageNegotiation, Err: err}
	}

	tasks, err := matchDestinations(files, session.Destinations)
	if err != nil {
		return nil, &deploy.AbortError{Stage: deploy.StageMatching, Err: err}
	}

	result.Outcome = o.batch.Upload(ctx, tasks)

	if err := o.evaluate(result.Outcome); err != nil {
		return result, &deploy.AbortError{Stage: deploy.StageEvaluation, Err: err}
	}

	deployment, err := o.transport.Finalize(ctx, session.UploadToken)
	if err != nil {
		return result, &deploy.AbortError{Stage: deploy.StageFinalize, Err: err}
	}

	result.Deployment = deployment

	return result, nil
}

// evaluate fails the run when more files failed than succeeded. A
// minority of failures is logged and tolerated.
func (o *Orchestrator) evaluate(outcome deploy.UploadOutcome) error {
	failed := len(outcome.Failed)
	total := outcome.Total()

	if outcome.MajorityFailed() {
		return fmt.Errorf("too many upload failures: %d of %d files failed", failed, total)
	}

	if failed > 0 {
		sample := outcome.Sample(o.opts.FailureSampleSize)

		entry := o.log.WithFields(logrus.Fields{
			"failed":    failed,
			"succeeded": len(outcome.Succeeded),
			"total":     total,
		})

		for _, f := range sample {
			entry.WithField("path", f.Path).Warn(f.Error)
		}

		entry.Warn("Some files failed to upload, finalizing with the rest")
	}

	return nil
}

func checkSession(session *deploy.BatchUploadSession) error {
	const op = "prepare batch upload"

	if session.UploadToken == "" {
		return &deploy.ProtocolError{Op: op, Err: errors.New("supported session has no upload token")}
	}

	if len(session.Destinations) == 0 {
		return &deploy.ProtocolError{Op: op, Err: errors.New("supported session has no destinations")}
	}

	return nil
}

// matchDestinations pairs every file with its destination URL. Every
// catalogued path must be covered.
func matchDestinations(
	files []deploy.FileDescriptor, destinations []deploy.Destination,
) ([]deploy.UploadTask, error) {
	urls := make(map[string]string, len(destinations))
	for _, d := range destinations {
		urls[d.Path] = d.URL
	}

	tasks := make([]deploy.UploadTask, 0, len(files))

	var missing []string

	for _, f := range files {
		u, ok := urls[f.Path]
		if !ok || u == "" {
			missing = append(missing, f.Path)

			continue
		}

		tasks = append(tasks, deploy.UploadTask{File: f, URL: u})
	}

	if len(missing) > 0 {
		listed := missing
		if len(listed) > maxMissingListed {
			listed = listed[:maxMissingListed]
		}

		return nil, &deploy.ProtocolError{
			Op:  "match destinations",
			Err: fmt.Errorf("no destination for %d of %d files: %v", len(missing), len(files), listed),
		}
	}

	return tasks, nil
}
