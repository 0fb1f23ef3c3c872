package deploy

import "time"

// FileDescriptor describes one file of a deployment.
type FileDescriptor struct {
	// Path is the deployment-relative, forward-slash separated path.
	Path string `json:"path"`
	// Size is the file size in bytes.
	Size uint64 `json:"size"`
	// ContentType is the MIME type declared when the file is uploaded.
	ContentType string `json:"contentType"`
	// AbsolutePath is where the file is read from. Not sent to the API.
	AbsolutePath string `json:"-"`
}

// Metadata holds the deployment attributes sent alongside the files.
// Empty values are treated as absent.
type Metadata struct {
	Repository       string `json:"repository,omitempty"`
	CommitSHA        string `json:"commitSha,omitempty"`
	Branch           string `json:"branch,omitempty"`
	IsPublic         string `json:"isPublic,omitempty"`
	Alias            string `json:"alias,omitempty"`
	BasePath         string `json:"basePath,omitempty"`
	CommittedAt      string `json:"committedAt,omitempty"`
	Description      string `json:"description,omitempty"`
	ProxyRuleSetName string `json:"proxyRuleSetName,omitempty"`
	ProxyRuleSetID   string `json:"proxyRuleSetId,omitempty"`
	Tags             string `json:"tags,omitempty"`
}

// Field is a single named metadata value.
type Field struct {
	Name  string
	Value string
}

// Fields returns the present metadata values in wire order, skipping
// empty ones.
func (m Metadata) Fields() []Field {
	all := []Field{
		{"repository", m.Repository},
		{"commitSha", m.CommitSHA},
		{"branch", m.Branch},
		{"isPublic", m.IsPublic},
		{"alias", m.Alias},
		{"basePath", m.BasePath},
		{"committedAt", m.CommittedAt},
		{"description", m.Description},
		{"proxyRuleSetName", m.ProxyRuleSetName},
		{"proxyRuleSetId", m.ProxyRuleSetID},
		{"tags", m.Tags},
	}

	fields := make([]Field, 0, len(all))

	for _, f := range all {
		if f.Value != "" {
			fields = append(fields, f)
		}
	}

	return fields
}

// BatchUploadRequest asks the API for direct upload destinations.
type BatchUploadRequest struct {
	Metadata
	Files []FileDescriptor `json:"files"`
}

// Destination is a presigned target for one file.
type Destination struct {
	Path       string `json:"path"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey,omitempty"`
}

// BatchUploadSession is the negotiation response of prepare-batch-upload.
type BatchUploadSession struct {
	Supported    bool          `json:"supported"`
	UploadToken  string        `json:"uploadToken,omitempty"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
	Destinations []Destination `json:"destinations,omitempty"`
}

// FinalizeRequest commits a batch of direct uploads.
type FinalizeRequest struct {
	UploadToken string `json:"uploadToken"`
}

// DeploymentURLs are the public locations of a deployment.
type DeploymentURLs struct {
	SHA     string `json:"sha,omitempty"`
	Alias   string `json:"alias,omitempty"`
	Preview string `json:"preview,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// DeploymentResult is the server record of a completed deployment.
type DeploymentResult struct {
	DeploymentID string         `json:"deploymentId"`
	Repository   string         `json:"repository,omitempty"`
	CommitSHA    string         `json:"commitSha"`
	Branch       string         `json:"branch,omitempty"`
	FileCount    int            `json:"fileCount"`
	TotalSize    int64          `json:"totalSize"`
	Aliases      []string       `json:"aliases,omitempty"`
	URLs         DeploymentURLs `json:"urls"`
}

// UploadTask pairs a file with its presigned destination.
type UploadTask struct {
	File FileDescriptor
	URL  string
}

// FileFailure records the terminal error of one file.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// UploadOutcome accumulates the terminal state of every task of a batch.
type UploadOutcome struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []FileFailure `json:"failed"`
}

// Total returns the number of files that reached a terminal state.
func (o UploadOutcome) Total() int {
	return len(o.Succeeded) + len(o.Failed)
}

// MajorityFailed reports whether more files failed than succeeded.
func (o UploadOutcome) MajorityFailed() bool {
	return len(o.Failed) > len(o.Succeeded)
}

// Sample returns at most n failures for reporting.
func (o UploadOutcome) Sample(n int) []FileFailure {
	if n < 0 || n >= len(o.Failed) {
		return o.Failed
	}

	return o.Failed[:n]
}
