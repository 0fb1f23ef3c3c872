package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/ethpandaops/deployoor/pkg/archive"
	"github.com/ethpandaops/deployoor/pkg/catalog"
	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/ethpandaops/deployoor/pkg/transport"
	"github.com/sirupsen/logrus"
)

// ArchiveTransport posts a zipped build to the deployment API.
type ArchiveTransport interface {
	PostArchive(
		ctx context.Context, archive io.Reader, filename string, meta deploy.Metadata,
	) (*transport.ArchiveResponse, error)
}

// ArchiveOptions configures an ArchiveUploader.
type ArchiveOptions struct {
	// SourceDir is the local build directory.
	SourceDir string
	// SourcePath is the configured source path; it prefixes archive entries.
	SourcePath string
	// WorkDir receives the temporary archive.
	WorkDir string
	// Metadata is sent as form fields.
	Metadata deploy.Metadata
}

// ArchiveUploader zips the build directory and uploads it in one request.
type ArchiveUploader struct {
	log       logrus.FieldLogger
	transport ArchiveTransport
	opts      ArchiveOptions
}

// NewArchiveUploader creates an ArchiveUploader.
func NewArchiveUploader(log logrus.FieldLogger, t ArchiveTransport, opts ArchiveOptions) *ArchiveUploader {
	return &ArchiveUploader{
		log:       log.WithField("component", "archive-upload"),
		transport: t,
		opts:      opts,
	}
}

// Upload builds the archive, posts it and removes it afterwards. Anything
// but HTTP 201 with a JSON body is an error carrying the response body.
func (a *ArchiveUploader) Upload(ctx context.Context) (*deploy.DeploymentResult, error) {
	if err := catalog.ValidateDirectory(a.opts.SourceDir); err != nil {
		return nil, err
	}

	created, err := archive.Create(ctx, a.opts.SourceDir, archive.EntryPrefix(a.opts.SourcePath), a.opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	defer func() {
		if err := os.Remove(created.Path); err != nil && !os.IsNotExist(err) {
			a.log.WithError(err).WithField("path", created.Path).Warn("Failed to remove archive")
		}
	}()

	a.log.WithFields(logrus.Fields{
		"files": created.FileCount,
		"size":  units.HumanSize(float64(created.Size)),
	}).Info("Created archive")

	f, err := os.Open(created.Path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	defer func() { _ = f.Close() }()

	resp, err := a.transport.PostArchive(ctx, f, filepath.Base(created.Path), a.opts.Metadata)
	if err != nil {
		var pe *deploy.ProtocolError
		if errors.As(err, &pe) && pe.Status != 0 {
			if pe.Status != http.StatusCreated {
				return nil, fmt.Errorf("upload failed with HTTP %d: %s", pe.Status, pe.Body)
			}

			return nil, fmt.Errorf("failed to parse response (HTTP %d): %s", pe.Status, pe.Body)
		}

		return nil, err
	}

	if resp.Status != http.StatusCreated {
		return nil, fmt.Errorf("upload failed with HTTP %d: %s", resp.Status, resp.Body)
	}

	return resp.Result, nil
}
