package session

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

const bytesPerMB = 1024 * 1024

// CheckDiskSpace fails when the volume holding dir has less than minFreeMB
// available. A zero threshold disables the check.
func CheckDiskSpace(dir string, minFreeMB uint64) error {
	if minFreeMB == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// Unknown filesystems are not a reason to refuse recording.
		log.Warn("disk usage unavailable", "dir", dir, "error", err)
		return nil
	}
	freeMB := usage.Free / bytesPerMB
	if freeMB < minFreeMB {
		return fmt.Errorf("%w: %d MB free on %s, need %d MB", ErrInsufficientDisk, freeMB, usage.Path, minFreeMB)
	}
	return nil
}
