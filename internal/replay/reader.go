package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/session"
)

// Frame is one recorded snapshot in its encoded form.
type Frame struct {
	Tick        uint64
	SimulatedMs uint64
	CapturedAt  time.Time
	Payload     []byte
}

// Replay is a bundle loaded back from disk.
type Replay struct {
	Dir      string
	Header   Header
	Manifest Manifest
	Events   []session.Event
	Frames   []Frame
	// Truncated is set when a stream ended mid-record, which happens when
	// the bundle is read while its session is still running.
	Truncated bool
}

// Open loads the bundle stored in dir.
func Open(dir string) (*Replay, error) {
	header, err := ReadHeader(filepath.Join(dir, headerFile))
	if err != nil {
		return nil, err
	}
	rep := &Replay{Dir: dir, Header: header}
	if err := readJSON(filepath.Join(dir, header.FilePointer), &rep.Manifest); err != nil {
		return nil, err
	}
	eventsPath := rep.Manifest.EventsPath
	if eventsPath == "" {
		eventsPath = eventsFile
	}
	framesPath := rep.Manifest.FramesPath
	if framesPath == "" {
		framesPath = framesFile
	}

	events, truncated, err := readEvents(filepath.Join(dir, eventsPath))
	if err != nil {
		return nil, err
	}
	rep.Events = events
	rep.Truncated = rep.Truncated || truncated

	frames, truncated, err := readFrames(filepath.Join(dir, framesPath))
	if err != nil {
		return nil, err
	}
	rep.Frames = frames
	rep.Truncated = rep.Truncated || truncated
	return rep, nil
}

func readEvents(path string) ([]session.Event, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var events []session.Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event session.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, false, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		if isTruncation(err) {
			return events, true, nil
		}
		return nil, false, fmt.Errorf("read events: %w", err)
	}
	return events, false, nil
}

func readFrames(path string) ([]Frame, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, false, err
	}
	defer decoder.Close()

	var frames []Frame
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, false, nil
			}
			//1.- A partial header or undecodable block marks an unfinished stream.
			return frames, true, nil
		}
		frame := Frame{
			Tick:        binary.LittleEndian.Uint64(header[0:8]),
			SimulatedMs: binary.LittleEndian.Uint64(header[8:16]),
			CapturedAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
		}
		size := binary.LittleEndian.Uint32(header[24:28])
		frame.Payload = make([]byte, size)
		if _, err := io.ReadFull(decoder, frame.Payload); err != nil {
			return frames, true, nil
		}
		frames = append(frames, frame)
	}
}

func isTruncation(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, snappy.ErrCorrupt)
}

// Snapshots decodes every recorded frame.
func (r *Replay) Snapshots(codec networking.Codec) ([]session.Snapshot, error) {
	if r == nil {
		return nil, nil
	}
	if codec == nil {
		codec = networking.MsgpackCodec{}
	}
	out := make([]session.Snapshot, 0, len(r.Frames))
	for _, frame := range r.Frames {
		snap, err := codec.Decode(frame.Payload)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame.Tick, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Entry is one item of the merged timeline. Exactly one of Event and Frame is set.
type Entry struct {
	Tick  uint64
	Event *session.Event
	Frame *Frame
}

// Walk visits events and frames ordered by frame number, events first on ties.
// Returning an error from fn stops the walk.
func (r *Replay) Walk(fn func(Entry) error) error {
	if r == nil || fn == nil {
		return nil
	}
	entries := make([]Entry, 0, len(r.Events)+len(r.Frames))
	for i := range r.Events {
		entries = append(entries, Entry{Tick: r.Events[i].Frame, Event: &r.Events[i]})
	}
	for i := range r.Frames {
		entries = append(entries, Entry{Tick: r.Frames[i].Tick, Frame: &r.Frames[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tick != entries[j].Tick {
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].Event != nil && entries[j].Event == nil
	})
	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Summary condenses a replay for tooling.
type Summary struct {
	SessionID  string                    `json:"sessionId"`
	Level      string                    `json:"level"`
	Subject    string                    `json:"subject,omitempty"`
	StartedAt  time.Time                 `json:"startedAt"`
	ClosedAt   time.Time                 `json:"closedAt,omitempty"`
	Events     int                       `json:"events"`
	Frames     int                       `json:"frames"`
	FirstTick  uint64                    `json:"firstTick"`
	LastTick   uint64                    `json:"lastTick"`
	Simulated  time.Duration             `json:"simulated"`
	EventKinds map[session.EventKind]int `json:"eventKinds"`
	Truncated  bool                      `json:"truncated,omitempty"`
}

// Summarize reports totals and the simulated span covered by the frames.
func (r *Replay) Summarize() Summary {
	if r == nil {
		return Summary{}
	}
	summary := Summary{
		SessionID:  r.Header.SessionID,
		Level:      r.Header.Level,
		Subject:    r.Header.Subject,
		StartedAt:  r.Header.StartedAt,
		ClosedAt:   r.Manifest.ClosedAt,
		Events:     len(r.Events),
		Frames:     len(r.Frames),
		EventKinds: make(map[session.EventKind]int),
		Truncated:  r.Truncated,
	}
	for _, event := range r.Events {
		summary.EventKinds[event.Kind]++
	}
	if len(r.Frames) > 0 {
		first, last := r.Frames[0], r.Frames[len(r.Frames)-1]
		summary.FirstTick = first.Tick
		summary.LastTick = last.Tick
		if last.SimulatedMs > first.SimulatedMs {
			summary.Simulated = time.Duration(last.SimulatedMs-first.SimulatedMs) * time.Millisecond
		}
	}
	return summary
}
