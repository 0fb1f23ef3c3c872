package deploy

import (
	"errors"
	"fmt"
)

// ErrNoFiles is returned when the source directory yields no uploadable files.
var ErrNoFiles = errors.New("no files found")

// InputError reports an unusable local source. Never retried.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a response that violates the API contract.
// Status is zero when the status code itself was acceptable.
type ProtocolError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: HTTP %d: %v - %s", e.Op, e.Status, e.Err, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d - %s", e.Op, e.Status, e.Body)
	case e.Body != "":
		return fmt.Sprintf("%s: %v - %s", e.Op, e.Err, e.Body)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NetworkError reports a transport failure or timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed PUT of a single file. Status is zero for
// transport-level failures, in which case Err holds the cause.
type UploadError struct {
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upload failed for %s: HTTP %d - %s", e.Path, e.Status, e.Body)
	}

	return fmt.Sprintf("upload failed for %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Stage identifies where in the presigned upload flow a run stopped.
type Stage int

const (
	StageValidation Stage = iota
	StageCatalogue
	StageNegotiation
	StageMatching
	StageUploading
	StageEvaluation
	StageFinalize
)

var stageNames = map[Stage]string{
	StageValidation:  "validation",
	StageCatalogue:   "catalogue",
	StageNegotiation: "negotiation",
	StageMatching:    "matching",
	StageUploading:   "uploading",
	StageEvaluation:  "evaluation",
	StageFinalize:    "finalize",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}

	return fmt.Sprintf("stage(%d)", int(s))
}

// AbortError is a fatal failure of the presigned flow.
type AbortError struct {
	Stage Stage
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("presigned upload aborted during %s: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// UploadsStarted reports whether any file may already have been written to
// storage when the run aborted.
func (e *AbortError) UploadsStarted() bool {
	return e.Stage >= StageUploading
}
