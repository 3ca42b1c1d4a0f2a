package capture

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// DefaultRetention is how long captured files are kept in the output dir.
const DefaultRetention = 10 * 24 * time.Hour

// PruneOutputDir removes regular files in dir last modified before
// now-maxAge. Subdirectories are left alone. A missing dir is not an error.
func PruneOutputDir(dir string, maxAge time.Duration, now time.Time) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
