package networking

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"snowbiome/server/internal/session"
)

// Format names a snapshot wire encoding.
type Format string

const (
	// FormatMsgpack is the default compact binary encoding.
	FormatMsgpack Format = "msgpack"
	// FormatJSON is a text encoding for debugging clients.
	FormatJSON Format = "json"
)

// ParseFormat maps a client supplied name onto a Format. Empty selects msgpack.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "msgpack", "binary":
		return FormatMsgpack, nil
	case "json", "text":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported snapshot format %q", raw)
	}
}

// Codec encodes snapshots for one wire format.
type Codec interface {
	Format() Format
	// Binary reports whether payloads must travel in binary frames.
	Binary() bool
	Encode(session.Snapshot) ([]byte, error)
	Decode([]byte) (session.Snapshot, error)
}

// CodecFor returns the codec of a format.
func CodecFor(format Format) (Codec, error) {
	switch format {
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	case FormatJSON:
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}
}

// MsgpackCodec encodes snapshots with msgpack struct tags.
type MsgpackCodec struct{}

// Format implements Codec.
func (MsgpackCodec) Format() Format { return FormatMsgpack }

// Binary implements Codec.
func (MsgpackCodec) Binary() bool { return true }

// Encode implements Codec.
func (MsgpackCodec) Encode(snap session.Snapshot) ([]byte, error) {
	return msgpack.Marshal(&snap)
}

// Decode implements Codec.
func (MsgpackCodec) Decode(payload []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode msgpack snapshot: %w", err)
	}
	return snap, nil
}

// JSONCodec renders snapshots through a protobuf Struct so text clients and
// gRPC observers see the same document.
type JSONCodec struct {
	encoder protojson.MarshalOptions
}

// NewJSONCodec builds the text codec.
func NewJSONCodec() JSONCodec {
	return JSONCodec{encoder: protojson.MarshalOptions{EmitUnpopulated: false}}
}

// Format implements Codec.
func (JSONCodec) Format() Format { return FormatJSON }

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

// Encode implements Codec.
func (c JSONCodec) Encode(snap session.Snapshot) ([]byte, error) {
	doc, err := SnapshotStruct(snap)
	if err != nil {
		return nil, err
	}
	return c.encoder.Marshal(doc)
}

// Decode implements Codec. protojson renders a Struct as plain JSON with
// fixed-point numbers, so the document decodes straight into the snapshot tags.
func (JSONCodec) Decode(payload []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode json snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotStruct converts a snapshot into a protobuf Struct keyed like its JSON tags.
func SnapshotStruct(snap session.Snapshot) (*structpb.Struct, error) {
	spheres := make([]any, 0, len(snap.Spheres))
	for _, sphere := range snap.Spheres {
		spheres = append(spheres, map[string]any{
			"slot":     sphere.Slot,
			"center":   vecList(sphere.Center),
			"velocity": vecList(sphere.Velocity),
		})
	}
	fields := map[string]any{
		"sessionId":    snap.SessionID,
		"level":        snap.Level,
		"frame":        snap.Frame,
		"simulatedMs":  snap.SimulatedMs,
		"capturedAtMs": snap.CapturedAtMs,
		"screen":       snap.Screen,
		"player": map[string]any{
			"start":    vecList(snap.Player.Start),
			"end":      vecList(snap.Player.End),
			"radius":   snap.Player.Radius,
			"velocity": vecList(snap.Player.Velocity),
			"onFloor":  snap.Player.OnFloor,
		},
		"view":       map[string]any{"yaw": snap.View.Yaw, "pitch": snap.View.Pitch},
		"nextSphere": snap.NextSphere,
		"spheres":    spheres,
	}
	if snap.Respawned {
		fields["respawned"] = true
	}
	doc, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build snapshot struct: %w", err)
	}
	return doc, nil
}

func vecList(v mgl64.Vec3) []any {
	return []any{v[0], v[1], v[2]}
}
