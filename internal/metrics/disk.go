package metrics

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

// DiskUsage reports free and total bytes of the filesystem holding path.
func DiskUsage(ctx context.Context, path string) (free, total uint64, err error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return u.Free, u.Total, nil
}

// RecordDiskFree logs and exports free space for each path. Failures are
// logged at debug and otherwise ignored.
func RecordDiskFree(ctx context.Context, paths ...string) {
	for _, p := range paths {
		free, total, err := DiskUsage(ctx, p)
		if err != nil {
			slog.Debug("Failed to read disk usage", "path", p, "error", err)
			continue
		}
		slog.Info("Disk space", "path", p, "free", humanize.IBytes(free), "total", humanize.IBytes(total))
		SetDiskFree(p, free)
	}
}
