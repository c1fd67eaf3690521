package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	lockFileMode = 0o644
	lockDirMode  = 0o755
)

// File is a Store backed by a JSON file.
//
// Cross-process atomicity: every operation takes an flock(2) on a sidecar
// lock file for the duration of the read-modify-write, so two dispatcher
// processes racing on Set cannot silently lose an update. The data file
// itself is replaced via write-to-temp and rename, never truncated in
// place, so a killed process cannot leave a half-written map behind.
type File struct {
	path     string
	lockPath string
}

// OpenFile creates a file-backed store at path, creating the parent
// directory if needed. The data file itself is created lazily on first Set.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("lock store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), lockDirMode); err != nil {
		return nil, fmt.Errorf("create lock store directory %s: %w", filepath.Dir(path), err)
	}
	return &File{path: path, lockPath: path + ".lock"}, nil
}

// Get implements Store.
func (f *File) Get(ctx context.Context, failureType string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	release, err := f.acquire(syscall.LOCK_SH)
	if err != nil {
		return 0, false, err
	}
	defer release()

	locks, err := f.load()
	if err != nil {
		return 0, false, err
	}
	ts, ok := locks[failureType]
	return ts, ok, nil
}

// Set implements Store.
func (f *File) Set(ctx context.Context, failureType string, epochSeconds int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if failureType == "" {
		return errors.New("failure type is required")
	}

	release, err := f.acquire(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer release()

	locks, err := f.load()
	if err != nil {
		return err
	}
	locks[failureType] = epochSeconds
	return f.save(locks)
}

// Close implements Store.
func (f *File) Close() error { return nil }

// acquire takes an flock on the sidecar lock file and returns a release
// function that unlocks and closes it.
func (f *File) acquire(how int) (func(), error) {
	file, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", f.lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), how); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock %s: %w", f.lockPath, err)
	}
	return func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		_ = file.Close()
	}, nil
}

// load reads the lock map from disk. A missing file is an empty map.
func (f *File) load() (map[string]int64, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("read lock store %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return map[string]int64{}, nil
	}

	var locks map[string]int64
	if err := json.Unmarshal(data, &locks); err != nil {
		return nil, fmt.Errorf("decode lock store %s: %w", f.path, err)
	}
	if locks == nil {
		locks = map[string]int64{}
	}
	return locks, nil
}

// save writes the lock map to a temp file and renames it into place.
func (f *File) save(locks map[string]int64) error {
	encoded, err := json.MarshalIndent(locks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock store %s: %w", f.path, err)
	}
	encoded = append(encoded, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp lock store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write lock store %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close lock store %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, lockFileMode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod lock store %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace lock store %s: %w", f.path, err)
	}
	return nil
}
