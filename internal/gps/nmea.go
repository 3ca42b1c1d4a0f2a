package gps

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const knotsToMS = 1852.0 / 3600.0

// Candidate is a parsed fix before time stamping and geoid correction.
type Candidate struct {
	Lat             float64
	Lon             float64
	OrigAltitude    float64
	GeoidSeparation float64
	Quality         Quality
	Satellites      int
	HDOP            float64

	Dir      float64
	Velocity float64

	ReceiverTime      time.Duration
	ReceiverTimeValid bool
}

// Parser turns NMEA sentences into fix candidates.
//
// GGA yields a candidate. RMC (status A) and VTG only refresh course and
// speed, which are merged into the next GGA. Other sentence types known to
// go-nmea are ignored; unknown ones are a ParseUnsupported error.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	dir      float64
	velocity float64
}

func NewParser() *Parser {
	return &Parser{}
}

// Parse consumes one sentence. ok reports whether a candidate was produced.
func (p *Parser) Parse(line string) (c Candidate, ok bool, err error) {
	line = strings.TrimSpace(line)
	if err := checkFraming(line); err != nil {
		return Candidate{}, false, err
	}

	line, extQuality := splitExtendedQuality(line)
	s, perr := nmea.Parse(line)
	if perr != nil {
		kind := ParseMalformed
		if strings.Contains(perr.Error(), "not supported") {
			kind = ParseUnsupported
		}
		return Candidate{}, false, &ParseError{Kind: kind, Line: line, Err: perr}
	}

	switch m := s.(type) {
	case nmea.GGA:
		if extQuality != "" {
			m.FixQuality = extQuality
		}
		return p.fromGGA(line, m)
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return Candidate{}, false, nil
		}
		p.velocity = m.Speed * knotsToMS
		p.dir = normalizeCourse(m.Course)
		return Candidate{}, false, nil
	case nmea.VTG:
		p.velocity = m.GroundSpeedKnots * knotsToMS
		p.dir = normalizeCourse(m.TrueTrack)
		return Candidate{}, false, nil
	default:
		return Candidate{}, false, nil
	}
}

func (p *Parser) fromGGA(line string, m nmea.GGA) (Candidate, bool, error) {
	q, err := strconv.Atoi(strings.TrimSpace(m.FixQuality))
	if err != nil || !Quality(q).Valid() {
		return Candidate{}, false, &ParseError{Kind: ParseMalformed, Line: line, Err: fmt.Errorf("bad fix quality %q", m.FixQuality)}
	}
	c := Candidate{
		Lat:             m.Latitude,
		Lon:             m.Longitude,
		OrigAltitude:    m.Altitude + m.Separation,
		GeoidSeparation: m.Separation,
		Quality:         Quality(q),
		Satellites:      int(m.NumSatellites),
		HDOP:            m.HDOP,
		Dir:             p.dir,
		Velocity:        p.velocity,
	}
	if m.Time.Valid {
		c.ReceiverTime = time.Duration(m.Time.Hour)*time.Hour +
			time.Duration(m.Time.Minute)*time.Minute +
			time.Duration(m.Time.Second)*time.Second +
			time.Duration(m.Time.Millisecond)*time.Millisecond
		c.ReceiverTimeValid = true
	}
	return c, true, nil
}

// checkFraming validates the '$' prefix and checksum so incomplete and
// corrupted sentences are told apart before the library sees them.
func checkFraming(line string) error {
	if !strings.HasPrefix(line, "$") {
		return &ParseError{Kind: ParseIncomplete, Line: line, Err: fmt.Errorf("missing '$'")}
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return &ParseError{Kind: ParseIncomplete, Line: line, Err: fmt.Errorf("missing checksum")}
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return &ParseError{Kind: ParseIncomplete, Line: line, Err: fmt.Errorf("short checksum")}
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return &ParseError{Kind: ParseChecksum, Line: line, Err: fmt.Errorf("bad checksum %q", ck[:2])}
	}
	if got := Checksum(payload); got != want[0] {
		return &ParseError{Kind: ParseChecksum, Line: line, Err: fmt.Errorf("checksum mismatch got=%02X want=%02X", got, want[0])}
	}
	if strings.IndexByte(payload, ',') < 3 {
		return &ParseError{Kind: ParseIncomplete, Line: line, Err: fmt.Errorf("short sentence")}
	}
	return nil
}

// splitExtendedQuality swaps GGA qualities 7 (manual) and 8 (simulation),
// which go-nmea rejects, for "0" and returns the original value.
func splitExtendedQuality(line string) (string, string) {
	star := strings.LastIndexByte(line, '*')
	fields := strings.Split(line[1:star], ",")
	if len(fields) < 7 || !strings.HasSuffix(fields[0], "GGA") {
		return line, ""
	}
	q := fields[6]
	if q != "7" && q != "8" {
		return line, ""
	}
	fields[6] = "0"
	return Sentence(strings.Join(fields, ",")), q
}

func normalizeCourse(deg float64) float64 {
	return math.Mod(math.Mod(deg, 360)+360, 360)
}

// Checksum returns the NMEA XOR checksum of payload (the text between '$'
// and '*').
func Checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// Sentence frames payload as "$payload*CK".
func Sentence(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, Checksum(payload))
}
