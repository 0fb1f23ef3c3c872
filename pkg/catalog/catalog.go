package catalog

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethpandaops/deployoor/pkg/deploy"
)

const defaultContentType = "application/octet-stream"

// skippedNames are directory entries never deployed, in addition to any
// entry whose name starts with a dot.
var skippedNames = map[string]struct{}{
	"__MACOSX":     {},
	"node_modules": {},
}

// ValidateDirectory checks that dir exists, is a directory and has at least
// one entry. Failures are returned as *deploy.InputError.
func ValidateDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &deploy.InputError{Err: fmt.Errorf("directory does not exist: %s", dir)}
		}

		return &deploy.InputError{Err: fmt.Errorf("inspecting %s: %w", dir, err)}
	}

	if !info.IsDir() {
		return &deploy.InputError{Err: fmt.Errorf("path is not a directory: %s", dir)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &deploy.InputError{Err: fmt.Errorf("reading %s: %w", dir, err)}
	}

	if len(entries) == 0 {
		return &deploy.InputError{Err: fmt.Errorf("directory is empty: %s", dir)}
	}

	return nil
}

// Walk recursively lists the regular files under root. Each descriptor
// path is basePath joined with the slash-separated path relative to root.
// Hidden entries and skipped directories are ignored. Results are sorted
// by path.
func Walk(root, basePath string) ([]deploy.FileDescriptor, error) {
	var files []deploy.FileDescriptor

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == root {
			return nil
		}

		if skip(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}

		files = append(files, deploy.FileDescriptor{
			Path:         path.Join(basePath, filepath.ToSlash(rel)),
			Size:         uint64(info.Size()),
			ContentType:  DetectContentType(p),
			AbsolutePath: abs,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})

	return files, nil
}

func skip(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}

	_, ok := skippedNames[name]

	return ok
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(p string) string {
	ext := filepath.Ext(p)
	if ext == "" {
		return defaultContentType
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return defaultContentType
	}

	return ct
}
