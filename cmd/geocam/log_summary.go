package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"geocam/internal/gps"
	"geocam/internal/replay"
)

type logSummary struct {
	Segments    int
	Sentences   int
	Fixes       int
	Invalid     int
	Unsupported int
	MaxDuration time.Duration
	TypeCounts  map[string]int
}

func summarizeNMEALog(records []replay.Record) logSummary {
	s := logSummary{TypeCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	parser := gps.NewParser()
	origin := time.Duration(0)
	hasLines := false
	segments := 0

	for _, r := range records {
		if r.IsStart() {
			segments++
			origin = r.At
			continue
		}
		hasLines = true

		s.Sentences++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		if typ, ok := sentenceType(r.Line); ok {
			s.TypeCounts[typ]++
		}
		_, fix, err := parser.Parse(r.Line)
		var perr *gps.ParseError
		switch {
		case errors.As(err, &perr) && perr.Kind == gps.ParseUnsupported:
			s.Unsupported++
		case err != nil:
			s.Invalid++
		case fix:
			s.Fixes++
		}
	}
	if segments == 0 && hasLines {
		segments = 1
	}
	s.Segments = segments
	return s
}

// sentenceType returns the sentence type without its talker, e.g. "GGA" for
// "$GNGGA,...". Proprietary "$P..." sentences keep their full tag.
func sentenceType(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || (line[0] != '$' && line[0] != '!') {
		return "", false
	}
	tag := line[1:]
	if i := strings.IndexAny(tag, ",*"); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return "", false
	}
	if tag[0] == 'P' || len(tag) <= 2 {
		return tag, true
	}
	return tag[2:], true
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.NewReader(f).ReadAll()
	if err != nil {
		return err
	}

	s := summarizeNMEALog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "sentences: %s\n", humanize.Comma(int64(s.Sentences)))
	fmt.Fprintf(w, "fixes: %s\n", humanize.Comma(int64(s.Fixes)))
	fmt.Fprintf(w, "invalid: %d\n", s.Invalid)
	fmt.Fprintf(w, "unsupported: %d\n", s.Unsupported)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	keys := make([]string, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "sentence_counts:\n")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, s.TypeCounts[k])
	}
	return nil
}
