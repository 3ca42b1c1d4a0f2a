package export

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"geocam/internal/capture"
	"geocam/internal/gps"
	"geocam/internal/store"
)

func sampleRuns() []store.Run {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return []store.Run{{
		ID:        "3f2a9c1e-0000-4000-8000-000000000000",
		Mode:      capture.ModePhotoSeries,
		StartedAt: start,
		EndedAt:   start.Add(time.Second),
		Frames: []capture.Frame{
			{FilePath: "/c/1.jpg", Timestamp: 1000 * time.Millisecond, Position: &gps.Position{Lat: 45, Lon: 7, Altitude: 250, Quality: gps.QualityRTKFixed}},
			{FilePath: "/c/2.jpg", Timestamp: 1200 * time.Millisecond},
		},
	}}
}

func TestWrite_SummaryAndFrames(t *testing.T) {
	runs := sampleRuns()
	var buf bytes.Buffer
	if err := Write(&buf, runs); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("GetRows() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("summary rows=%d want 2", len(rows))
	}
	if rows[1][0] != runs[0].ID || rows[1][1] != "PHOTO_SERIES" || rows[1][5] != "2" || rows[1][6] != "1" {
		t.Fatalf("summary row=%v", rows[1])
	}

	sheet := SheetName(runs[0])
	if sheet != "0501-100000 3f2a9c1e" {
		t.Fatalf("sheet=%q", sheet)
	}
	frames, err := f.GetRows(sheet)
	if err != nil {
		t.Fatalf("GetRows(%s) error: %v", sheet, err)
	}
	if len(frames) != 3 {
		t.Fatalf("frame rows=%d want 3", len(frames))
	}
	if frames[1][0] != "/c/1.jpg" || frames[1][2] != "1000" || frames[1][8] != "RTK_FIXED" {
		t.Fatalf("frame row=%v", frames[1])
	}
	if len(frames[2]) != 3 {
		t.Fatalf("unlocated frame row=%v want 3 cells", frames[2])
	}
}

func TestSaveFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	path, err := SaveFile(dir, sampleRuns(), now)
	if err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if want := dir + "/geocam-20260502-083000.xlsx"; path != want {
		t.Fatalf("path=%q want %q", path, want)
	}
}
