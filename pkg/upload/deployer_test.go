package upload

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/ethpandaops/deployoor/pkg/deploytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPresigned struct {
	result *PresignedResult
	err    error
}

func (s *stubPresigned) Upload(context.Context) (*PresignedResult, error) {
	return s.result, s.err
}

type stubArchive struct {
	calls  int
	result *deploy.DeploymentResult
	err    error
}

func (s *stubArchive) Upload(context.Context) (*deploy.DeploymentResult, error) {
	s.calls++

	return s.result, s.err
}

func newTestDeployer(p PresignedRunner, a ArchiveRunner, fallback bool) *Deployer {
	d := NewDeployer(testLogger(), p, a, DeployerOptions{Fallback: fallback})
	d.newRunID = func() string { return "run-1" }

	return d
}

func TestDeployer_PresignedSuccess(t *testing.T) {
	deployment := &deploy.DeploymentResult{DeploymentID: "deploy-1", FileCount: 2}
	presigned := &stubPresigned{result: &PresignedResult{
		Negotiation: Negotiation{Kind: NegotiationSupported},
		Deployment:  deployment,
		Outcome:     deploy.UploadOutcome{Succeeded: []string{"/a", "/b"}},
	}}
	archive := &stubArchive{}

	report, err := newTestDeployer(presigned, archive, true).Deploy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, MethodPresigned, report.Method)
	assert.Same(t, deployment, report.Result)
	assert.Equal(t, []string{"/a", "/b"}, report.Outcome.Succeeded)
	assert.Empty(t, report.FallbackReason)
	assert.Zero(t, archive.calls)
}

func TestDeployer_Fallback(t *testing.T) {
	archived := &deploy.DeploymentResult{DeploymentID: "deploy-zip"}

	tests := []struct {
		name       string
		presigned  *stubPresigned
		wantReason string
	}{
		{
			name: "not supported",
			presigned: &stubPresigned{result: &PresignedResult{
				Negotiation: Negotiation{Kind: NegotiationNotSupported},
			}},
			wantReason: "server does not support presigned uploads",
		},
		{
			name: "negotiation failed",
			presigned: &stubPresigned{result: &PresignedResult{
				Negotiation: Negotiation{
					Kind: NegotiationFailed,
					Err:  &deploy.ProtocolError{Op: "prepare batch upload", Status: 503, Body: "down"},
				},
			}},
			wantReason: "HTTP 503",
		},
		{
			name: "missing token",
			presigned: &stubPresigned{err: &deploy.AbortError{
				Stage: deploy.StageNegotiation,
				Err:   &deploy.ProtocolError{Op: "prepare batch upload", Err: errors.New("no upload token")},
			}},
			wantReason: "no upload token",
		},
		{
			name: "unmatched destinations",
			presigned: &stubPresigned{err: &deploy.AbortError{
				Stage: deploy.StageMatching,
				Err:   errors.New("no destination for 1 of 3 files"),
			}},
			wantReason: "no destination",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := &stubArchive{result: archived}

			report, err := newTestDeployer(tt.presigned, archive, true).Deploy(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, archive.calls)
			assert.Equal(t, MethodArchive, report.Method)
			assert.Same(t, archived, report.Result)
			assert.Contains(t, report.FallbackReason, tt.wantReason)
		})
	}
}

func TestDeployer_NoFallbackAfterUploadsStarted(t *testing.T) {
	for _, stage := range []deploy.Stage{deploy.StageUploading, deploy.StageEvaluation, deploy.StageFinalize} {
		t.Run(stage.String(), func(t *testing.T) {
			abort := &deploy.AbortError{Stage: stage, Err: errors.New("boom")}
			presigned := &stubPresigned{
				result: &PresignedResult{
					Negotiation: Negotiation{Kind: NegotiationSupported},
					Outcome: deploy.UploadOutcome{
						Failed: []deploy.FileFailure{{Path: "/a", Error: "HTTP 500"}},
					},
				},
				err: abort,
			}
			archive := &stubArchive{}

			report, err := newTestDeployer(presigned, archive, true).Deploy(context.Background())
			require.ErrorIs(t, err, abort)

			assert.Zero(t, archive.calls)
			assert.Equal(t, MethodPresigned, report.Method)
			assert.Len(t, report.Outcome.Failed, 1)
		})
	}
}

func TestDeployer_InputErrorsAreFatal(t *testing.T) {
	for _, stage := range []deploy.Stage{deploy.StageValidation, deploy.StageCatalogue} {
		t.Run(stage.String(), func(t *testing.T) {
			presigned := &stubPresigned{err: &deploy.AbortError{
				Stage: stage,
				Err:   &deploy.InputError{Err: deploy.ErrNoFiles},
			}}
			archive := &stubArchive{}

			_, err := newTestDeployer(presigned, archive, true).Deploy(context.Background())
			require.ErrorIs(t, err, deploy.ErrNoFiles)
			assert.Zero(t, archive.calls)
		})
	}
}

func TestDeployer_FallbackDisabled(t *testing.T) {
	presigned := &stubPresigned{result: &PresignedResult{
		Negotiation: Negotiation{Kind: NegotiationNotSupported},
	}}
	archive := &stubArchive{}

	report, err := newTestDeployer(presigned, archive, false).Deploy(context.Background())
	require.ErrorIs(t, err, ErrPresignedUnsupported)

	assert.Zero(t, archive.calls)
	assert.Equal(t, ErrPresignedUnsupported.Error(), report.FallbackReason)
}

func TestDeployer_ArchiveError(t *testing.T) {
	presigned := &stubPresigned{result: &PresignedResult{
		Negotiation: Negotiation{Kind: NegotiationNotSupported},
	}}
	archive := &stubArchive{err: errors.New("upload failed with HTTP 400: bad zip")}

	report, err := newTestDeployer(presigned, archive, true).Deploy(context.Background())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, MethodArchive, report.Method)
	assert.Nil(t, report.Result)
}

func TestDeployer_CancelledBeforeFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	presigned := &stubPresigned{result: &PresignedResult{
		Negotiation: Negotiation{Kind: NegotiationFailed, Err: &deploy.NetworkError{Op: "prepare", Err: context.Canceled}},
	}}
	archive := &stubArchive{}

	_, err := newTestDeployer(presigned, archive, true).Deploy(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, archive.calls)
}

func TestDeployer_RunID(t *testing.T) {
	presigned := &stubPresigned{result: &PresignedResult{
		Negotiation: Negotiation{Kind: NegotiationSupported},
		Deployment:  &deploy.DeploymentResult{},
	}}

	d := NewDeployer(testLogger(), presigned, &stubArchive{}, DeployerOptions{})

	first, err := d.Deploy(context.Background())
	require.NoError(t, err)

	second, err := d.Deploy(context.Background())
	require.NoError(t, err)

	assert.Len(t, first.RunID, 36)
	assert.NotEqual(t, first.RunID, second.RunID)
}

// End to end against the fake API: the server declines presigned uploads
// and the build lands through the archive endpoint.
func TestDeployer_EndToEndFallback(t *testing.T) {
	srv := deploytest.NewServer()
	t.Cleanup(srv.Close)

	srv.Supported = false

	dir := writeSite(t, 3)
	client := newTestTransport(t, srv)
	batch := NewBatchUploader(testLogger(), client, BatchOptions{})

	orch := NewOrchestrator(testLogger(), client, batch, OrchestratorOptions{
		SourceDir: dir,
		BasePath:  "/dist",
		Metadata:  testMetadata,
	})
	archiver := NewArchiveUploader(testLogger(), client, ArchiveOptions{
		SourceDir:  dir,
		SourcePath: "dist",
		WorkDir:    t.TempDir(),
		Metadata:   testMetadata,
	})

	report, err := NewDeployer(testLogger(), orch, archiver, DeployerOptions{Fallback: true}).
		Deploy(context.Background())
	require.NoError(t, err)

	assert.Equal(t, MethodArchive, report.Method)
	assert.Equal(t, "deploy-123", report.Result.DeploymentID)
	assert.Equal(t, 1, srv.PrepareCalls())
	assert.Zero(t, srv.TotalPuts())
	assert.Zero(t, srv.FinalizeCalls())
	require.Len(t, srv.Archives(), 1)
}
