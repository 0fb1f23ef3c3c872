package transport

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/ethpandaops/deployoor/pkg/deploy"
)

const (
	archiveFieldName   = "file"
	archiveContentType = "application/zip"
)

// archiveForm writes the multipart body of an archive upload.
type archiveForm struct {
	w *multipart.Writer
}

func newArchiveForm(w io.Writer) *archiveForm {
	return &archiveForm{w: multipart.NewWriter(w)}
}

func (f *archiveForm) contentType() string {
	return f.w.FormDataContentType()
}

// write emits the archive part followed by one field per present metadata
// value. Absent values produce no part at all.
func (f *archiveForm) write(archive io.Reader, filename string, meta deploy.Metadata) error {
	header := make(textproto.MIMEHeader, 2)
	header.Set("Content-Disposition", fmt.Sprintf(
		`form-data; name=%q; filename=%q`, archiveFieldName, filename,
	))
	header.Set("Content-Type", archiveContentType)

	part, err := f.w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("creating archive part: %w", err)
	}

	if _, err := io.Copy(part, archive); err != nil {
		return fmt.Errorf("writing archive part: %w", err)
	}

	for _, field := range meta.Fields() {
		if err := f.w.WriteField(field.Name, field.Value); err != nil {
			return fmt.Errorf("writing field %s: %w", field.Name, err)
		}
	}

	return f.w.Close()
}
