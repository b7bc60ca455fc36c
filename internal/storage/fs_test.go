package storage

import (
	"path/filepath"
	"strings"
	"testing"
)

func fixed(typ string) func(string) (string, error) {
	return func(string) (string, error) { return typ, nil }
}

func TestRequireLocal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ     string
		wantErr bool
	}{
		{typ: "ext4"},
		{typ: "apfs"},
		{typ: "0x6969"},
		{typ: "nfs", wantErr: true},
		{typ: "SMBFS", wantErr: true},
		{typ: " cifs ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			t.Parallel()
			err := requireLocal(filepath.Join(t.TempDir(), "relay.db"), fixed(tc.typ))
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "journal.path") {
					t.Fatalf("requireLocal(%q) error = %v, want network rejection", tc.typ, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("requireLocal(%q) = %v", tc.typ, err)
			}
		})
	}
}

func TestInspectUsesExistingAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	fs, err := inspectWith(filepath.Join(root, "a", "b", "relay.db"), func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("inspectWith: %v", err)
	}
	if inspected != root || fs.Path != root {
		t.Fatalf("inspected %q (fs.Path %q), want %q", inspected, fs.Path, root)
	}
	if fs.Network || fs.Type != "ext4" {
		t.Fatalf("unexpected %+v", fs)
	}
}

func TestInspectFilesystemTempDir(t *testing.T) {
	t.Parallel()

	fs, err := InspectFilesystem(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("InspectFilesystem: %v", err)
	}
	if fs.Type == "" {
		t.Fatal("empty filesystem type")
	}
}

func TestInspectEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := InspectFilesystem(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
