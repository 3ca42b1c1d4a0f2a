package gps

import (
	"errors"
	"fmt"
)

var (
	ErrTransportTimeout      = errors.New("gps transport: read timeout")
	ErrTransportDisconnected = errors.New("gps transport: disconnected")
)

// ParseErrorKind classifies why a sentence was rejected.
type ParseErrorKind int

const (
	ParseIncomplete ParseErrorKind = iota
	ParseChecksum
	ParseUnsupported
	ParseMalformed
)

func (k ParseErrorKind) String() string {
	switch k {
	case ParseIncomplete:
		return "incomplete"
	case ParseChecksum:
		return "checksum"
	case ParseUnsupported:
		return "unsupported"
	case ParseMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ParseError rejects one sentence. It is never fatal to a Stream.
type ParseError struct {
	Kind ParseErrorKind
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nmea %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("nmea %s", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError ends a Stream. Err wraps ErrTransportTimeout or
// ErrTransportDisconnected.
type TransportError struct {
	Stage  string
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gps %s source=%s: %v", e.Stage, e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
