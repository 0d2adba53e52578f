package domain

import (
	"strings"
	"time"
)

// MaxChannels bounds the number of channel subscription points.
const MaxChannels = 16

type StreamType int

const (
	// StreamTypeAny is only meaningful in a Filter; no stream carries it.
	StreamTypeAny StreamType = iota
	StreamTypeDesktop
	StreamTypeWebcam
	StreamTypeAudio
	StreamTypeOther
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeDesktop:
		return "DESKTOP"
	case StreamTypeWebcam:
		return "WEBCAM"
	case StreamTypeAudio:
		return "AUDIO"
	case StreamTypeOther:
		return "OTHER"
	default:
		return "ANY"
	}
}

// ParseStreamType maps a case-insensitive token (desktop, webcam, audio, other)
// to a StreamType. The empty string and unknown tokens return false.
func ParseStreamType(token string) (StreamType, bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "desktop":
		return StreamTypeDesktop, true
	case "webcam":
		return StreamTypeWebcam, true
	case "audio":
		return StreamTypeAudio, true
	case "other":
		return StreamTypeOther, true
	default:
		return StreamTypeAny, false
	}
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// StreamConfig describes one configured upstream source.
type StreamConfig struct {
	Name          string
	TeamID        string
	Type          StreamType
	URL           string
	MimeType      string
	FileExtension string
	Mode          ConnectionMode
}

// Stats is a point-in-time copy of a stream's listener counters.
type Stats struct {
	CurrentListeners       int
	MaxConcurrentListeners int
	TotalListeners         int
	TotalTime              time.Duration
}

// StreamInfo is the read-only status snapshot of one stream.
type StreamInfo struct {
	Index  int
	Name   string
	Type   StreamType
	TeamID string
	Mode   ConnectionMode
	Status Status
	Stats  Stats
}

// Filter selects streams for bulk admin actions. Empty TeamID and
// StreamTypeAny act as wildcards; set fields are AND-combined.
type Filter struct {
	TeamID string
	Type   StreamType
}

func (f Filter) Matches(teamID string, t StreamType) bool {
	if f.TeamID != "" && f.TeamID != teamID {
		return false
	}
	if f.Type != StreamTypeAny && f.Type != t {
		return false
	}
	return true
}
