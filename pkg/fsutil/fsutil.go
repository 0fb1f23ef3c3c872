package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a numeric UID/GID pair applied to written files.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. An empty string yields nil, which
// leaves ownership untouched.
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown applies owner to path. A nil owner is a no-op.
func Chown(path string, owner *Owner) error {
	if owner == nil {
		return nil
	}

	if err := os.Chown(path, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}

	return nil
}

// WriteFile writes data to a temporary file next to path and renames it
// into place, so readers never observe a partial file.
func WriteFile(path string, data []byte, perm os.FileMode, owner *Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("closing %s: %w", path, err)
	}

	if err := os.Chmod(tmp.Name(), perm); err != nil {
		cleanup()

		return fmt.Errorf("chmod %s: %w", path, err)
	}

	if err := Chown(tmp.Name(), owner); err != nil {
		cleanup()

		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()

		return fmt.Errorf("renaming into %s: %w", path, err)
	}

	return nil
}
