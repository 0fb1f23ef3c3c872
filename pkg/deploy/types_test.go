package deploy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataFields(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want []Field
	}{
		{
			name: "empty",
			meta: Metadata{},
			want: []Field{},
		},
		{
			name: "required only",
			meta: Metadata{
				Repository: "owner/repo",
				CommitSHA:  "abc123",
				Branch:     "main",
				IsPublic:   "true",
			},
			want: []Field{
				{"repository", "owner/repo"},
				{"commitSha", "abc123"},
				{"branch", "main"},
				{"isPublic", "true"},
			},
		},
		{
			name: "optional fields keep wire order",
			meta: Metadata{
				Repository: "owner/repo",
				Tags:       "v1.0.0",
				Alias:      "production",
			},
			want: []Field{
				{"repository", "owner/repo"},
				{"alias", "production"},
				{"tags", "v1.0.0"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.meta.Fields())
		})
	}
}

func TestUploadOutcome(t *testing.T) {
	outcome := UploadOutcome{
		Succeeded: []string{"a", "b"},
		Failed: []FileFailure{
			{Path: "c", Error: "boom"},
			{Path: "d", Error: "boom"},
			{Path: "e", Error: "boom"},
		},
	}

	assert.Equal(t, 5, outcome.Total())
	assert.True(t, outcome.MajorityFailed())
	assert.Len(t, outcome.Sample(2), 2)
	assert.Len(t, outcome.Sample(10), 3)

	outcome.Succeeded = append(outcome.Succeeded, "f")
	assert.False(t, outcome.MajorityFailed(), "ties are not a majority")
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "upload error with status",
			err:  &UploadError{Path: "dist/app.js", Status: 403, Body: "denied"},
			want: "upload failed for dist/app.js: HTTP 403 - denied",
		},
		{
			name: "upload error with cause",
			err:  &UploadError{Path: "dist/app.js", Err: cause},
			want: "upload failed for dist/app.js: connection refused",
		},
		{
			name: "protocol error with status",
			err:  &ProtocolError{Op: "prepare batch upload", Status: 500, Body: "oops"},
			want: "prepare batch upload: HTTP 500 - oops",
		},
		{
			name: "abort error",
			err:  &AbortError{Stage: StageEvaluation, Err: cause},
			want: "presigned upload aborted during evaluation: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, fmt.Errorf("wrapped: %w", tt.err), tt.err)
		})
	}
}

func TestAbortErrorUploadsStarted(t *testing.T) {
	for _, stage := range []Stage{StageValidation, StageCatalogue, StageNegotiation, StageMatching} {
		assert.False(t, (&AbortError{Stage: stage}).UploadsStarted(), stage.String())
	}

	for _, stage := range []Stage{StageUploading, StageEvaluation, StageFinalize} {
		assert.True(t, (&AbortError{Stage: stage}).UploadsStarted(), stage.String())
	}

	var abort *AbortError
	err := fmt.Errorf("deploying: %w", &AbortError{Stage: StageMatching, Err: &ProtocolError{Op: "x"}})
	require.ErrorAs(t, err, &abort)

	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}
