package storage

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hyperjump/yakkan/internal/config"
)

// DiskUsage is the on-disk footprint of each store, in bytes.
type DiskUsage struct {
	Database        int64 `json:"database_bytes"`
	KeywordIndex    int64 `json:"keyword_index_bytes"`
	VectorSnapshots int64 `json:"vector_snapshot_bytes"`
	Total           int64 `json:"total_bytes"`
}

// Usage measures the configured storage paths. The SQLite WAL and shared-memory files count
// toward the database. Missing paths contribute 0.
func Usage(cfg *config.StorageConfig) (DiskUsage, error) {
	var u DiskUsage
	var err error
	if cfg.DatabasePath != "" {
		if u.Database, err = pathsSize(cfg.DatabasePath, cfg.DatabasePath+"-wal", cfg.DatabasePath+"-shm"); err != nil {
			return u, err
		}
	}
	if u.KeywordIndex, err = pathsSize(cfg.BleveIndexPath); err != nil {
		return u, err
	}
	if u.VectorSnapshots, err = pathsSize(cfg.VectorSnapshotPath); err != nil {
		return u, err
	}
	u.Total = u.Database + u.KeywordIndex + u.VectorSnapshots
	return u, nil
}

// pathsSize sums files and directories (recursively). Empty or missing paths are skipped.
func pathsSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
