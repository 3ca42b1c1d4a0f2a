//go:build linux

package web

import (
	"syscall"

	"github.com/dustin/go-humanize"
)

func snapshotDisk(path string) *DiskSnapshot {
	if path == "" {
		return nil
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return &DiskSnapshot{Path: path, LastError: err.Error()}
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	avail := st.Bavail * bsize
	return &DiskSnapshot{
		Path:       path,
		TotalBytes: total,
		AvailBytes: avail,
		Avail:      humanize.Bytes(avail),
	}
}
