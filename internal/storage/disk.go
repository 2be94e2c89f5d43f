package storage

import (
	"os"
	"path/filepath"
)

// Usage is the on-disk footprint of the database, index and session images.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Files int64 `json:"files"`
}

// DiskUsage sums the size and file count of the given paths. Each path may be
// a file or a directory (walked recursively). Missing paths count as zero;
// errors during a walk are returned.
func DiskUsage(paths ...string) (Usage, error) {
	var total Usage
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Usage{}, err
		}
		if !info.IsDir() {
			total.Bytes += info.Size()
			total.Files++
			continue
		}
		err = filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi != nil && !fi.IsDir() {
				total.Bytes += fi.Size()
				total.Files++
			}
			return nil
		})
		if err != nil {
			return Usage{}, err
		}
	}
	return total, nil
}

// DiskUsageBytes returns only the byte total of DiskUsage.
func DiskUsageBytes(paths ...string) (int64, error) {
	u, err := DiskUsage(paths...)
	return u.Bytes, err
}
