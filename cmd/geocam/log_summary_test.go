package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geocam/internal/gps"
	"geocam/internal/replay"
)

func gga(hms string) string {
	return gps.Sentence("GPGGA," + hms + ",4500.000,N,00700.000,E,1,09,0.9,300.0,M,48.0,M,,")
}

func TestSentenceType(t *testing.T) {
	cases := map[string]string{
		"$GNGGA,1,2*00": "GGA",
		"$GPRMC*11":     "RMC",
		"$PUBX,00,1*22": "PUBX",
		"!AIVDM,1,1*33": "VDM",
	}
	for in, want := range cases {
		got, ok := sentenceType(in)
		if !ok || got != want {
			t.Fatalf("sentenceType(%q)=%q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := sentenceType("garbage"); ok {
		t.Fatalf("expected ok=false for garbage")
	}
}

func TestSummarizeNMEALog(t *testing.T) {
	bad := strings.Split(gga("100000.50"), "*")[0] + "*ZZ"

	recs := []replay.Record{
		{},
		{At: 0, Line: gga("100000.00")},
		{At: 200 * time.Millisecond, Line: gps.Sentence("GPXYZ,1,2,3")},
		{At: 300 * time.Millisecond, Line: bad},
		{},
		{At: 1 * time.Second, Line: gga("100001.00")},
	}

	s := summarizeNMEALog(recs)
	if s.Segments != 2 {
		t.Fatalf("segments=%d want %d", s.Segments, 2)
	}
	if s.Sentences != 4 {
		t.Fatalf("sentences=%d want %d", s.Sentences, 4)
	}
	if s.Fixes != 2 {
		t.Fatalf("fixes=%d want %d", s.Fixes, 2)
	}
	if s.Invalid != 1 {
		t.Fatalf("invalid=%d want %d", s.Invalid, 1)
	}
	if s.Unsupported != 1 {
		t.Fatalf("unsupported=%d want %d", s.Unsupported, 1)
	}
	if s.TypeCounts["GGA"] != 3 || s.TypeCounts["XYZ"] != 1 {
		t.Fatalf("typeCounts=%v", s.TypeCounts)
	}
	if s.MaxDuration != 1*time.Second {
		t.Fatalf("maxDuration=%s want %s", s.MaxDuration, 1*time.Second)
	}
}

func TestSummarizeNMEALog_NoStartMarker(t *testing.T) {
	s := summarizeNMEALog([]replay.Record{{At: 0, Line: gga("120000.00")}})
	if s.Segments != 1 || s.Fixes != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if empty := summarizeNMEALog(nil); empty.Segments != 0 || empty.Sentences != 0 {
		t.Fatalf("empty summary=%+v", empty)
	}
}

func TestPrintLogSummary(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gps.log")
	w, err := replay.CreateWriter(p)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	if err := w.WriteRaw(0, gga("100000.00")); err != nil {
		t.Fatalf("WriteRaw() error: %v", err)
	}
	if err := w.WriteRaw(500*time.Millisecond, gga("100000.50")); err != nil {
		t.Fatalf("WriteRaw() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	var out bytes.Buffer
	if err := printLogSummary(&out, p); err != nil {
		t.Fatalf("printLogSummary() error: %v", err)
	}
	text := out.String()
	for _, want := range []string{"segments: 1\n", "fixes: 2\n", "max_duration: 500ms\n", "  GGA: 2\n"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}

	if err := printLogSummary(&out, "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if err := printLogSummary(&out, filepath.Join(t.TempDir(), "missing.log")); !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}
