//go:build linux

package web

import "testing"

func TestSnapshotDisk_TempDir(t *testing.T) {
	snap := snapshotDisk(t.TempDir())
	if snap == nil {
		t.Fatalf("snapshot=nil")
	}
	if snap.LastError != "" {
		t.Fatalf("LastError=%q", snap.LastError)
	}
	if snap.TotalBytes == 0 || snap.Avail == "" {
		t.Fatalf("snapshot=%+v", *snap)
	}
}

func TestSnapshotDisk_Missing(t *testing.T) {
	snap := snapshotDisk("/definitely/not/here")
	if snap == nil || snap.LastError == "" {
		t.Fatalf("snapshot=%+v want error", snap)
	}
	if snapshotDisk("") != nil {
		t.Fatalf("empty path should yield nil")
	}
}
