package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
)

// File reads and atomically replaces a single JSON document on disk.
type File struct {
	path string
	log  pslog.Logger

	// rename is swapped in tests to simulate a crash between write and rename.
	rename func(oldpath, newpath string) error
}

// NewFile constructs a JSON file handle for path.
func NewFile(path string) (*File, error) {
	return NewFileWithLogger(path, nil)
}

// NewFileWithLogger constructs a JSON file handle with logging.
func NewFileWithLogger(path string, logger pslog.Logger) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("file path is required")
	}
	if logger != nil {
		logger = logger.With("file", path)
	}
	return &File{path: path, log: logger, rename: os.Rename}, nil
}

// Path returns the on-disk location.
func (f *File) Path() string {
	return f.path
}

// Load decodes the file into v. It reports false when the file does not exist.
func (f *File) Load(v any) (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if f.log != nil {
				f.log.Debug("file load miss")
			}
			return false, nil
		}
		if f.log != nil {
			f.log.Warn("file load failed", "err", err)
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		if f.log != nil {
			f.log.Warn("file load failed", "err", err)
		}
		return false, err
	}
	if f.log != nil {
		f.log.Trace("file load ok", "bytes", len(data))
	}
	return true, nil
}

// Save writes v through a temp file in the same directory and renames it over
// the target, so readers observe either the old or the new document.
func (f *File) Save(v any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return f.saveFailed(err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return f.saveFailed(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return f.saveFailed(err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return f.saveFailed(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return f.saveFailed(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return f.saveFailed(err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return f.saveFailed(err)
	}
	if err := f.rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return f.saveFailed(err)
	}
	if f.log != nil {
		f.log.Trace("file save ok", "bytes", len(data))
	}
	return nil
}

// Remove deletes the file. A missing file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if f.log != nil {
			f.log.Warn("file remove failed", "err", err)
		}
		return err
	}
	if f.log != nil {
		f.log.Debug("file removed")
	}
	return nil
}

func (f *File) saveFailed(err error) error {
	if f.log != nil {
		f.log.Warn("file save failed", "err", err)
	}
	return err
}
