package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"geocam/internal/gps"
)

type FileType int

const (
	FileImage FileType = iota
	FileVideo
)

func (t FileType) String() string {
	switch t {
	case FileImage:
		return "IMAGE"
	case FileVideo:
		return "VIDEO"
	default:
		return "UNKNOWN"
	}
}

func (t FileType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *FileType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "IMAGE":
		*t = FileImage
	case "VIDEO":
		*t = FileVideo
	default:
		return fmt.Errorf("unknown file type %q", string(b))
	}
	return nil
}

type Mode int

const (
	ModeSinglePhoto Mode = iota
	ModePhotoSeries
	ModeVideo
)

func (m Mode) String() string {
	switch m {
	case ModeSinglePhoto:
		return "SINGLE_PHOTO"
	case ModePhotoSeries:
		return "PHOTO_SERIES"
	case ModeVideo:
		return "VIDEO"
	default:
		return "UNKNOWN"
	}
}

// ParseMode accepts the upper-case mode names. Empty means SINGLE_PHOTO.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "SINGLE_PHOTO":
		return ModeSinglePhoto, nil
	case "PHOTO_SERIES":
		return ModePhotoSeries, nil
	case "VIDEO":
		return ModeVideo, nil
	default:
		return 0, fmt.Errorf("unknown capture mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Frame is one produced photo or finished video.
//
// Timestamp is in the synchronized time base: the exposure instant for a
// photo, the recording stop for a video.
type Frame struct {
	FilePath  string
	Timestamp time.Duration
	FileType  FileType
	Position  *gps.Position
	// Generation is the clock binding Timestamp was read under. It is not
	// serialized.
	Generation uint64
}

type frameJSON struct {
	FilePath  string        `json:"filePath"`
	Timestamp int64         `json:"timestamp"`
	FileType  FileType      `json:"fileType"`
	Position  *gps.Position `json:"position,omitempty"`
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameJSON{
		FilePath:  f.FilePath,
		Timestamp: f.Timestamp.Milliseconds(),
		FileType:  f.FileType,
		Position:  f.Position,
	})
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	var in frameJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*f = Frame{
		FilePath:  in.FilePath,
		Timestamp: time.Duration(in.Timestamp) * time.Millisecond,
		FileType:  in.FileType,
		Position:  in.Position,
	}
	return nil
}
