// Package export writes capture runs to an .xlsx workbook: a "Runs" summary
// sheet plus one sheet of frames per run.
package export

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"geocam/internal/store"
)

const summarySheet = "Runs"

var (
	summaryHeader = []any{"Run", "Mode", "Started", "Ended", "Clock sync (ms)", "Frames", "Located", "Error"}
	frameHeader   = []any{"File", "Type", "Timestamp (ms)", "Lat", "Lon", "Altitude", "Orig altitude", "Geoid", "Quality", "Satellites", "HDOP", "Fix time (ms)"}
)

// Write encodes runs as a workbook to w.
func Write(w io.Writer, runs []store.Run) error {
	f, err := build(runs)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveFile writes the workbook to dir/geocam-<stamp>.xlsx and returns the path.
func SaveFile(dir string, runs []store.Run, now time.Time) (string, error) {
	f, err := build(runs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	path := filepath.Join(dir, fmt.Sprintf("geocam-%s.xlsx", now.UTC().Format("20060102-150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

func build(runs []store.Run) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.SetSheetRow(summarySheet, "A1", &summaryHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	for i, run := range runs {
		if err := writeRun(f, i+2, run); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("run %s: %w", run.ID, err)
		}
	}
	return f, nil
}

// SheetName is the per-run sheet title; Excel caps names at 31 characters.
func SheetName(run store.Run) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s", run.StartedAt.UTC().Format("0102-150405"), id)
}

func writeRun(f *excelize.File, row int, run store.Run) error {
	located := 0
	for _, fr := range run.Frames {
		if fr.Position != nil {
			located++
		}
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	summary := []any{
		run.ID,
		run.Mode.String(),
		run.StartedAt.UTC().Format(time.RFC3339),
		run.EndedAt.UTC().Format(time.RFC3339),
		run.ClockSync.Milliseconds(),
		len(run.Frames),
		located,
		run.Error,
	}
	if err := f.SetSheetRow(summarySheet, cell, &summary); err != nil {
		return err
	}

	sheet := SheetName(run)
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, "A1", &frameHeader); err != nil {
		return err
	}
	for i, fr := range run.Frames {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{fr.FilePath, fr.FileType.String(), fr.Timestamp.Milliseconds()}
		if p := fr.Position; p != nil {
			values = append(values, p.Lat, p.Lon, p.Altitude, p.OrigAltitude, p.InterpolatedGeoid,
				p.Quality.String(), p.Satellites, p.HDOP, p.Time.Milliseconds())
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return nil
}
