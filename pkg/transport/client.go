package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/sirupsen/logrus"
)

const (
	// APIKeyHeader carries the deployment API credential.
	APIKeyHeader = "X-API-Key"

	PrepareBatchUploadPath = "/api/deployments/prepare-batch-upload"
	FinalizeUploadPath     = "/api/deployments/finalize-upload"
	ArchiveUploadPath      = "/api/deployments/zip"

	// Excerpt lengths of response bodies quoted in errors.
	apiErrorExcerpt    = 500
	parseErrorExcerpt  = 200
	uploadErrorExcerpt = 200

	// maxResponseBytes caps how much of any response body is read.
	maxResponseBytes = 10 << 20
)

var codec = sonic.ConfigStd

// Options configures a Client.
type Options struct {
	// BaseURL is the deployment API root, e.g. https://deploy.example.com.
	BaseURL string
	// APIKey is sent in the X-API-Key header of every API request.
	APIKey string
	// RequestTimeout bounds each JSON API call.
	RequestTimeout time.Duration
	// UploadTimeout bounds each presigned PUT and the archive upload.
	UploadTimeout time.Duration
	// Transport overrides the HTTP round tripper. Mostly for tests.
	Transport http.RoundTripper
}

// Client talks to the deployment API and to presigned storage URLs. It
// never retries; callers own the retry policy.
type Client struct {
	log     logrus.FieldLogger
	baseURL *url.URL
	apiKey  string
	api     *http.Client
	storage *http.Client
}

// New creates a Client from the given options.
func New(log logrus.FieldLogger, opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: unsupported scheme %q", opts.BaseURL, base.Scheme)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		log:     log.WithField("component", "transport"),
		baseURL: base,
		apiKey:  opts.APIKey,
		api:     &http.Client{Timeout: opts.RequestTimeout, Transport: transport},
		storage: &http.Client{Timeout: opts.UploadTimeout, Transport: transport},
	}, nil
}

// Prepare negotiates a presigned batch upload for the given files.
func (c *Client) Prepare(
	ctx context.Context, req *deploy.BatchUploadRequest,
) (*deploy.BatchUploadSession, error) {
	c.log.WithField("files", len(req.Files)).Info("Requesting presigned URLs")

	var session deploy.BatchUploadSession
	if err := c.postJSON(ctx, "prepare batch upload", PrepareBatchUploadPath, req, &session); err != nil {
		return nil, err
	}

	return &session, nil
}

// Finalize commits the direct uploads made under uploadToken.
func (c *Client) Finalize(
	ctx context.Context, uploadToken string,
) (*deploy.DeploymentResult, error) {
	c.log.Info("Finalizing upload")

	var result deploy.DeploymentResult
	if err := c.postJSON(
		ctx, "finalize upload", FinalizeUploadPath,
		&deploy.FinalizeRequest{UploadToken: uploadToken}, &result,
	); err != nil {
		return nil, err
	}

	return &result, nil
}

// PutFile streams body to a presigned destination URL. The request declares
// the descriptor's content type and exact size. The API key is not sent to
// storage.
func (c *Client) PutFile(
	ctx context.Context, destination string, file deploy.FileDescriptor, body io.Reader,
) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destination, body)
	if err != nil {
		return &deploy.UploadError{Path: file.Path, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.ContentLength = int64(file.Size)
	req.Header.Set("Content-Type", file.ContentType)

	if file.Size == 0 {
		req.Body = http.NoBody
	}

	resp, err := c.storage.Do(req)
	if err != nil {
		return &deploy.UploadError{Path: file.Path, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	if isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

		return nil
	}

	data, _ := readBody(resp.Body)

	return &deploy.UploadError{
		Path:   file.Path,
		Status: resp.StatusCode,
		Body:   excerpt(data, uploadErrorExcerpt),
	}
}

// ArchiveResponse is the outcome of an archive upload whose body parsed as
// JSON, whatever its status.
type ArchiveResponse struct {
	Result *deploy.DeploymentResult
	Status int
	Body   string
}

// PostArchive uploads a zip archive as multipart/form-data together with
// the present metadata fields. Any HTTP status is returned to the caller;
// only transport failures and unparseable bodies are errors.
func (c *Client) PostArchive(
	ctx context.Context, archive io.Reader, filename string, meta deploy.Metadata,
) (*ArchiveResponse, error) {
	const op = "archive upload"

	endpoint := c.endpoint(ArchiveUploadPath)
	c.log.WithField("url", endpoint).Info("Uploading archive")

	pr, pw := io.Pipe()
	form := newArchiveForm(pw)

	go func() {
		pw.CloseWithError(form.write(archive, filename, meta))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.Close()

		return nil, fmt.Errorf("creating %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", form.contentType())
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.storage.Do(req)
	if err != nil {
		_ = pr.Close()

		return nil, &deploy.NetworkError{Op: op, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp.Body)
	if err != nil {
		return nil, &deploy.NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	var result deploy.DeploymentResult
	if err := codec.Unmarshal(data, &result); err != nil {
		return nil, &deploy.ProtocolError{
			Op:     op,
			Status: resp.StatusCode,
			Body:   string(data),
			Err:    fmt.Errorf("failed to parse response: %w", err),
		}
	}

	return &ArchiveResponse{
		Result: &result,
		Status: resp.StatusCode,
		Body:   string(data),
	}, nil
}

// postJSON sends body as JSON to the API path and decodes a 2xx response
// into out.
func (c *Client) postJSON(
	ctx context.Context, op, apiPath string, body, out any,
) error {
	payload, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint(apiPath), bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.api.Do(req)
	if err != nil {
		return &deploy.NetworkError{Op: op, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp.Body)
	if err != nil {
		return &deploy.NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if !isSuccess(resp.StatusCode) {
		return &deploy.ProtocolError{
			Op:     op,
			Status: resp.StatusCode,
			Body:   excerpt(data, apiErrorExcerpt),
		}
	}

	if err := codec.Unmarshal(data, out); err != nil {
		return &deploy.ProtocolError{
			Op:   op,
			Body: excerpt(data, parseErrorExcerpt),
			Err:  fmt.Errorf("failed to parse response: %w", err),
		}
	}

	return nil
}

// endpoint resolves an absolute API path against the base URL.
func (c *Client) endpoint(apiPath string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: apiPath}).String()
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

// readBody reads at most maxResponseBytes of a response body.
func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// excerpt returns at most n bytes of data as valid UTF-8.
func excerpt(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}

	return strings.ToValidUTF8(string(data), "")
}
