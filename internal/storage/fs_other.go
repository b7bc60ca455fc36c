//go:build !darwin && !linux

package storage

// Unknown platforms report an unknown local filesystem.
func filesystemType(string) (string, error) {
	return "unknown", nil
}
