package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snowbiome/server/internal/input"
	"snowbiome/server/internal/physics"
)

var (
	errEmptyMessage   = errors.New("empty control message")
	errUnknownMessage = errors.New("unknown control message type")
)

// Control message types sent by the browser client.
const (
	TypeKey          = "key"
	TypeLook         = "look"
	TypeThrowStart   = "throw_start"
	TypeThrowRelease = "throw_release"
	TypeScreen       = "screen"
	TypeAudioUnlock  = "audio_unlock"
	TypeTimeSync     = "time_sync"
)

// ControlMessage is one JSON text frame from a client.
type ControlMessage struct {
	Seq      uint64  `json:"seq"`
	SentAtMs int64   `json:"sent_at_ms,omitempty"`
	Type     string  `json:"type"`
	Code     string  `json:"code,omitempty"`
	Down     bool    `json:"down,omitempty"`
	DX       float64 `json:"dx,omitempty"`
	DY       float64 `json:"dy,omitempty"`
	Command  string  `json:"command,omitempty"`
}

// decodeControl parses a websocket frame into a control message.
func decodeControl(raw []byte) (*ControlMessage, error) {
	if len(raw) == 0 {
		return nil, errEmptyMessage
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if _, err := classOf(msg.Type); err != nil {
		return nil, err
	}
	return &msg, nil
}

// classOf maps a message type onto its gate class. Look deltas are transient
// and may be dropped when stale; throw releases are rate limited.
func classOf(kind string) (input.Class, error) {
	switch kind {
	case TypeKey, TypeThrowStart, TypeScreen, TypeAudioUnlock, TypeTimeSync:
		return input.ClassReliable, nil
	case TypeLook:
		return input.ClassLossy, nil
	case TypeThrowRelease:
		return input.ClassThrottled, nil
	default:
		return 0, fmt.Errorf("%w %q", errUnknownMessage, kind)
	}
}

// SentAt converts the optional capture timestamp. Zero means unset.
func (m *ControlMessage) SentAt() time.Time {
	if m == nil || m.SentAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.SentAtMs)
}

func (m *ControlMessage) control() input.Control {
	return input.Control{Key: m.Code, HasKey: m.Type == TypeKey, LookDX: m.DX, LookDY: m.DY}
}

// Welcome is the first text frame of every connection.
type Welcome struct {
	Type    string         `json:"type"`
	Session string         `json:"session"`
	Level   string         `json:"level"`
	Format  string         `json:"format"`
	Tuning  physics.Tuning `json:"tuning"`
}

// Reply reports a rejected control message back to the client.
type Reply struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq,omitempty"`
	Reason string `json:"reason"`
	State  string `json:"state,omitempty"`
}
