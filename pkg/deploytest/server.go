// Package deploytest provides an in-process deployment API with presigned
// storage for tests.
package deploytest

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethpandaops/deployoor/pkg/deploy"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	APIKey      = "test-key"
	UploadToken = "upload-token-123"
)

// ArchiveUpload is what the server received on the archive endpoint.
type ArchiveUpload struct {
	Filename    string
	ContentType string
	Content     []byte
	Fields      map[string]string
}

// StoredObject is a file received through a presigned URL.
type StoredObject struct {
	ContentType   string
	ContentLength int64
	Data          []byte
}

// Server fakes the deployment API. Configure the exported fields before
// issuing requests.
type Server struct {
	*httptest.Server

	// Supported is returned by prepare-batch-upload.
	Supported bool
	// OmitToken drops the upload token from a supported session.
	OmitToken bool
	// OmitDestinations drops the destination list from a supported session.
	OmitDestinations bool
	// SkipPaths are left out of the destination list.
	SkipPaths map[string]bool
	// PrepareStatus, FinalizeStatus and ArchiveStatus override the success
	// status codes (200, 200, 201).
	PrepareStatus  int
	FinalizeStatus int
	ArchiveStatus  int
	// PrepareBody replaces the prepare-batch-upload response body.
	PrepareBody string
	// ArchiveBody replaces the archive upload response body.
	ArchiveBody string
	// PutDelay is slept inside every presigned PUT.
	PutDelay time.Duration
	// Result is returned by finalize-upload and the archive endpoint.
	Result deploy.DeploymentResult

	mu          sync.Mutex
	failures    map[string]int
	paths       map[string]string
	prepared    *deploy.BatchUploadRequest
	prepares    int
	finalizes   int
	finalToken  string
	putAttempts map[string]int
	stored      map[string]StoredObject
	archives    []ArchiveUpload
	unauthed    int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewServer starts a fake API that supports presigned uploads.
func NewServer() *Server {
	s := &Server{
		Supported:   true,
		SkipPaths:   map[string]bool{},
		failures:    map[string]int{},
		paths:       map[string]string{},
		putAttempts: map[string]int{},
		stored:      map[string]StoredObject{},
		Result: deploy.DeploymentResult{
			DeploymentID: "deploy-123",
			Repository:   "test-owner/test-repo",
			CommitSHA:    "abc123",
			Branch:       "main",
			FileCount:    5,
			TotalSize:    12345,
			Aliases:      []string{"production"},
			URLs: deploy.DeploymentURLs{
				SHA:     "https://assets.example.com/public/test-owner/test-repo/abc123/",
				Alias:   "https://assets.example.com/public/test-owner/test-repo/alias/production/",
				Preview: "https://assets.example.com/public/test-owner/test-repo/abc123/dist/",
				Branch:  "https://assets.example.com/public/test-owner/test-repo/branch/main/",
			},
		},
	}

	s.Server = httptest.NewServer(s.router())

	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/api/deployments/prepare-batch-upload", s.handlePrepare)
		r.Post("/api/deployments/finalize-upload", s.handleFinalize)
		r.Post("/api/deployments/zip", s.handleArchive)
	})

	r.Put("/storage/{id}", s.handlePut)

	return r
}

// FailPuts makes the first n PUTs of path fail with HTTP 500. A negative n
// fails every attempt.
func (s *Server) FailPuts(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[path] = n
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != APIKey {
			s.mu.Lock()
			s.unauthed++
			s.mu.Unlock()

			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req deploy.BatchUploadRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	s.mu.Lock()
	s.prepares++
	s.prepared = &req
	s.mu.Unlock()

	if s.PrepareStatus != 0 || s.PrepareBody != "" {
		status := s.PrepareStatus
		if status == 0 {
			status = http.StatusOK
		}

		w.WriteHeader(status)
		_, _ = io.WriteString(w, s.PrepareBody)

		return
	}

	if !s.Supported {
		writeJSON(w, http.StatusOK, deploy.BatchUploadSession{Supported: false})

		return
	}

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	session := deploy.BatchUploadSession{
		Supported: true,
		ExpiresAt: &expires,
	}

	if !s.OmitToken {
		session.UploadToken = UploadToken
	}

	if !s.OmitDestinations {
		session.Destinations = make([]deploy.Destination, 0, len(req.Files))

		s.mu.Lock()
		for i, f := range req.Files {
			if s.SkipPaths[f.Path] {
				continue
			}

			id := strconv.Itoa(i)
			s.paths[id] = f.Path
			session.Destinations = append(session.Destinations, deploy.Destination{
				Path:       f.Path,
				URL:        s.URL + "/storage/" + id,
				StorageKey: "deployments/" + UploadToken + f.Path,
			})
		}
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req deploy.FinalizeRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	s.mu.Lock()
	s.finalizes++
	s.finalToken = req.UploadToken
	s.mu.Unlock()

	if s.FinalizeStatus != 0 {
		writeJSON(w, s.FinalizeStatus, map[string]string{"error": "finalize failed"})

		return
	}

	writeJSON(w, http.StatusOK, s.Result)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	upload, err := parseArchive(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

		return
	}

	s.mu.Lock()
	s.archives = append(s.archives, *upload)
	s.mu.Unlock()

	status := s.ArchiveStatus
	if status == 0 {
		status = http.StatusCreated
	}

	if s.ArchiveBody != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, s.ArchiveBody)

		return
	}

	writeJSON(w, status, s.Result)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for {
		peak := s.maxInFlight.Load()
		if current <= peak || s.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	if s.PutDelay > 0 {
		time.Sleep(s.PutDelay)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.paths[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "unknown destination", http.StatusNotFound)

		return
	}

	s.putAttempts[path]++

	if remaining, fail := s.failures[path]; fail && remaining != 0 {
		if remaining > 0 {
			s.failures[path] = remaining - 1
		}

		http.Error(w, "storage unavailable", http.StatusInternalServerError)

		return
	}

	s.stored[path] = StoredObject{
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		Data:          data,
	}

	w.WriteHeader(http.StatusOK)
}

// Prepared returns the last prepare-batch-upload request body.
func (s *Server) Prepared() *deploy.BatchUploadRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.prepared
}

// PrepareCalls returns how many times prepare-batch-upload was called.
func (s *Server) PrepareCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.prepares
}

// FinalizeCalls returns how many times finalize-upload was called.
func (s *Server) FinalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finalizes
}

// FinalizedToken returns the token of the last finalize-upload call.
func (s *Server) FinalizedToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finalToken
}

// PutAttempts returns how many PUTs were received for path.
func (s *Server) PutAttempts(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.putAttempts[path]
}

// TotalPuts returns the number of PUTs received for all paths.
func (s *Server) TotalPuts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.putAttempts {
		total += n
	}

	return total
}

// Stored returns the object written for path.
func (s *Server) Stored(path string) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.stored[path]

	return obj, ok
}

// Archives returns every archive upload received.
func (s *Server) Archives() []ArchiveUpload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]ArchiveUpload(nil), s.archives...)
}

// Unauthorized returns how many requests had a missing or wrong API key.
func (s *Server) Unauthorized() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unauthed
}

// MaxConcurrentPuts returns the peak number of simultaneous PUTs.
func (s *Server) MaxConcurrentPuts() int {
	return int(s.maxInFlight.Load())
}

func parseArchive(r *http.Request) (*ArchiveUpload, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parsing content type: %w", err)
	}

	if mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("unexpected content type %q", mediaType)
	}

	upload := &ArchiveUpload{Fields: map[string]string{}}
	reader := multipart.NewReader(r.Body, params["boundary"])

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("reading part %s: %w", part.FormName(), err)
		}

		if part.FormName() == "file" {
			upload.Filename = part.FileName()
			upload.ContentType = part.Header.Get("Content-Type")
			upload.Content = data

			continue
		}

		upload.Fields[part.FormName()] = string(data)
	}

	return upload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}
