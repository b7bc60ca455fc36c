package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem describes where a database file lives.
type Filesystem struct {
	// Path is the nearest existing ancestor that was inspected.
	Path    string
	Type    string
	Network bool
}

var networkTypes = []string{"afpfs", "cifs", "nfs", "nfs4", "smbfs", "smb2", "webdav", "fuse.sshfs"}

// InspectFilesystem reports the filesystem holding path. path need not
// exist yet.
func InspectFilesystem(path string) (Filesystem, error) {
	return inspectWith(path, filesystemType)
}

func inspectWith(path string, detect func(string) (string, error)) (Filesystem, error) {
	if path == "" {
		return Filesystem{}, fmt.Errorf("sqlite path is empty")
	}
	at, err := existingAncestor(path)
	if err != nil {
		return Filesystem{}, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	typ, err := detect(at)
	if err != nil {
		return Filesystem{}, fmt.Errorf("detect filesystem for %q: %w", at, err)
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	fs := Filesystem{Path: at, Type: typ}
	for _, n := range networkTypes {
		if typ == n {
			fs.Network = true
			break
		}
	}
	return fs, nil
}

// requireLocal rejects network filesystems, where SQLite locking is
// unreliable.
func requireLocal(path string, detect func(string) (string, error)) error {
	fs, err := inspectWith(path, detect)
	if err != nil {
		return err
	}
	if fs.Network {
		return fmt.Errorf("journal %q is on network filesystem %q; SQLite needs a local disk for locking, set journal.path to a local path", path, fs.Type)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
	}
}
