package suite

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CompressedExt marks a zstd-compressed library file.
const CompressedExt = ".zst"

// DirManager serves libraries from the files of a directory. A file named
// <name>.zst is decompressed on load.
type DirManager struct {
	Dir string
}

// NewDirManager creates a manager over dir.
func NewDirManager(dir string) *DirManager {
	return &DirManager{Dir: dir}
}

// ListLibraryNames returns the library names sorted by name.
func (d *DirManager) ListLibraryNames() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read library directory: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), CompressedExt)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// LoadLibrary reads <dir>/<name>, falling back to <dir>/<name>.zst.
func (d *DirManager) LoadLibrary(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrLibraryNotFound)
	}

	path := filepath.Join(d.Dir, name)
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	data, err = os.ReadFile(path + CompressedExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrLibraryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path+CompressedExt, err)
	}
	return Decompress(data)
}

// LibraryCount returns the number of libraries in the directory.
func (d *DirManager) LibraryCount() (int, error) {
	names, err := d.ListLibraryNames()
	return len(names), err
}

// Ping checks the directory is readable.
func (d *DirManager) Ping() error {
	_, err := os.ReadDir(d.Dir)
	return err
}
