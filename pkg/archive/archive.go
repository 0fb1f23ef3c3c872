package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	// CompressionLevel is the deflate level used for every entry.
	CompressionLevel = 6

	namePattern = "upload-artifact-*.zip"
)

// Result describes a created archive.
type Result struct {
	Path      string
	FileCount int
	Size      int64
}

// EntryPrefix converts a source path into the directory prefix used for
// archive entries, e.g. "./apps/web/dist/" becomes "apps/web/dist".
func EntryPrefix(sourcePath string) string {
	cleaned := path.Clean(filepath.ToSlash(sourcePath))
	cleaned = strings.TrimLeft(cleaned, "/")

	if cleaned == "." {
		return ""
	}

	return cleaned
}

// Create zips every regular file under srcDir into a new temporary file in
// destDir. Entry names are prefix joined with the slash-separated path
// relative to srcDir. The caller removes the archive.
func Create(ctx context.Context, srcDir, prefix, destDir string) (*Result, error) {
	f, err := os.CreateTemp(destDir, namePattern)
	if err != nil {
		return nil, fmt.Errorf("creating archive file: %w", err)
	}

	result := &Result{Path: f.Name()}

	self, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("stat archive: %w", err)
	}

	if err := write(ctx, f, self, srcDir, prefix, result); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("stat archive: %w", err)
	}

	result.Size = info.Size()

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())

		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return result, nil
}

// write adds every regular file under srcDir except the archive itself,
// which may live inside srcDir.
func write(ctx context.Context, w io.Writer, self os.FileInfo, srcDir, prefix string, result *Result) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, CompressionLevel)
	})

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		if os.SameFile(info, self) {
			return nil
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		if err := addFile(zw, p, path.Join(prefix, filepath.ToSlash(rel)), info); err != nil {
			return err
		}

		result.FileCount++

		return nil
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", srcDir, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}

	return nil
}

func addFile(zw *zip.Writer, src, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("building header for %s: %w", src, err)
	}

	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}

	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compressing %s: %w", src, err)
	}

	return nil
}
