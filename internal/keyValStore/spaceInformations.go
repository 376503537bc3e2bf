package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// displayDiskUsage logs the disk usage of every store path.
func (k *KeyValStore) displayDiskUsage(paths []string) error {
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			return fmt.Errorf("disk usage of %s: %w", path, err)
		}

		pathSize, err := calculateDirectorySize(path)
		if err != nil {
			return fmt.Errorf("size of %s: %w", path, err)
		}

		k.log.Info("disk usage",
			logKeyPath, path,
			logKeyFsType, usage.Fstype,
			logKeyTotalGB, fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			logKeyUsedGB, fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			logKeyFreeGB, fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			logKeyDBGB, fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		)
	}
	return nil
}
