package replay

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/session"
)

const (
	archiveSnapshotBuffer = 64
	archiveEventBuffer    = 256
)

// ArchiveStats summarises recorder activity across sessions.
type ArchiveStats struct {
	Recorded      int64
	Active        int
	Events        int64
	Frames        int64
	DroppedEvents int64
	WriteErrors   int64
}

// Archive records every attached session into its own bundle under root.
type Archive struct {
	root     string
	interval time.Duration
	log      *logging.Logger
	codec    networking.Codec
	opts     []WriterOption

	mu         sync.Mutex
	recordings map[string]*recording
	closed     bool
	wg         sync.WaitGroup

	recorded      atomic.Int64
	events        atomic.Int64
	frames        atomic.Int64
	droppedEvents atomic.Int64
	writeErrors   atomic.Int64
}

type recording struct {
	writer      *Writer
	events      chan session.Event
	unsubscribe func()
}

type recordingSink struct {
	rec     *recording
	archive *Archive
}

func (s recordingSink) RecordEvent(event session.Event) {
	select {
	case s.rec.events <- event:
	default:
		s.archive.droppedEvents.Add(1)
	}
}

// NewArchive prepares a recorder writing to root. Frames are sampled at the
// supplied interval so a 60 Hz session does not write every frame.
func NewArchive(root string, interval time.Duration, logger *logging.Logger, opts ...WriterOption) *Archive {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Archive{
		root:       root,
		interval:   interval,
		log:        logger,
		codec:      networking.MsgpackCodec{},
		opts:       append([]WriterOption{WithFrameInterval(interval), WithLogger(logger)}, opts...),
		recordings: make(map[string]*recording),
	}
}

// Root returns the directory bundles are written to.
func (a *Archive) Root() string {
	if a == nil {
		return ""
	}
	return a.root
}

// Attach starts recording a session until it closes.
func (a *Archive) Attach(s *session.SessionState) error {
	if a == nil || s == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrWriterClosed
	}
	if _, exists := a.recordings[s.ID()]; exists {
		return fmt.Errorf("replay: session %s already recorded", s.ID())
	}
	writer, err := NewWriter(a.root, Header{
		SessionID: s.ID(),
		Subject:   s.Subject(),
		Level:     s.Level(),
		StartedAt: s.CreatedAt(),
		Tuning:    s.Tuning(),
	}, a.opts...)
	if err != nil {
		return fmt.Errorf("replay: open writer: %w", err)
	}

	rec := &recording{writer: writer, events: make(chan session.Event, archiveEventBuffer)}
	s.AddEventSink(recordingSink{rec: rec, archive: a})
	snaps, unsubscribe := s.Subscribe(archiveSnapshotBuffer)
	rec.unsubscribe = unsubscribe
	a.recordings[s.ID()] = rec
	a.recorded.Add(1)

	a.wg.Add(1)
	go a.run(s.ID(), rec, snaps)
	a.log.Info("replay recording started", logging.String("session_id", s.ID()), logging.String("directory", writer.Directory()))
	return nil
}

func (a *Archive) run(id string, rec *recording, snaps <-chan session.Snapshot) {
	defer a.wg.Done()
	var lastSample time.Time
	for {
		select {
		case event := <-rec.events:
			a.writeEvent(id, rec, event)
		case snap, ok := <-snaps:
			if !ok {
				a.finish(id, rec)
				return
			}
			captured := snap.CapturedAt()
			if !lastSample.IsZero() && captured.Sub(lastSample) < a.interval {
				continue
			}
			lastSample = captured
			a.writeFrame(id, rec, snap)
		}
	}
}

func (a *Archive) writeEvent(id string, rec *recording, event session.Event) {
	if err := rec.writer.AppendEvent(event); err != nil {
		a.writeErrors.Add(1)
		a.log.Debug("replay event dropped", logging.String("session_id", id), logging.Error(err))
		return
	}
	a.events.Add(1)
}

func (a *Archive) writeFrame(id string, rec *recording, snap session.Snapshot) {
	payload, err := a.codec.Encode(snap)
	if err != nil {
		a.writeErrors.Add(1)
		a.log.Warn("replay frame encode failed", logging.String("session_id", id), logging.Error(err))
		return
	}
	if err := rec.writer.AppendFrame(snap.Frame, snap.SimulatedMs, snap.CapturedAt(), payload); err != nil {
		a.writeErrors.Add(1)
		a.log.Debug("replay frame dropped", logging.String("session_id", id), logging.Error(err))
		return
	}
	a.frames.Add(1)
}

func (a *Archive) finish(id string, rec *recording) {
	//1.- Drain queued events so the closing ones land before the manifest is stamped.
drain:
	for {
		select {
		case event := <-rec.events:
			a.writeEvent(id, rec, event)
		default:
			break drain
		}
	}
	if err := rec.writer.Close(); err != nil {
		a.writeErrors.Add(1)
		a.log.Warn("replay close failed", logging.String("session_id", id), logging.Error(err))
	}
	a.mu.Lock()
	delete(a.recordings, id)
	a.mu.Unlock()
	manifest := rec.writer.Manifest()
	a.log.Info("replay recording finished",
		logging.String("session_id", id),
		logging.Int64("events", manifest.Events),
		logging.Int64("frames", manifest.Frames),
	)
}

// Recording reports whether the bundle directory name belongs to a live session.
func (a *Archive) Recording(folder string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range a.recordings {
		if filepath.Base(rec.writer.Directory()) == folder {
			return true
		}
	}
	return false
}

// FlushAll forces every active recording to disk and reports how many were flushed.
func (a *Archive) FlushAll() (int, error) {
	if a == nil {
		return 0, nil
	}
	a.mu.Lock()
	writers := make([]*Writer, 0, len(a.recordings))
	for _, rec := range a.recordings {
		writers = append(writers, rec.writer)
	}
	a.mu.Unlock()

	flushed := 0
	var errs error
	for _, writer := range writers {
		if err := writer.Flush(); err != nil {
			if errors.Is(err, ErrWriterClosed) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		flushed++
	}
	return flushed, errs
}

// Stats returns recorder counters.
func (a *Archive) Stats() ArchiveStats {
	if a == nil {
		return ArchiveStats{}
	}
	a.mu.Lock()
	active := len(a.recordings)
	a.mu.Unlock()
	return ArchiveStats{
		Recorded:      a.recorded.Load(),
		Active:        active,
		Events:        a.events.Load(),
		Frames:        a.frames.Load(),
		DroppedEvents: a.droppedEvents.Load(),
		WriteErrors:   a.writeErrors.Load(),
	}
}

// Close stops every recording and waits for the bundles to be finalised.
func (a *Archive) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.closed = true
	recs := make([]*recording, 0, len(a.recordings))
	for _, rec := range a.recordings {
		recs = append(recs, rec)
	}
	a.mu.Unlock()
	for _, rec := range recs {
		rec.unsubscribe()
	}
	a.wg.Wait()
}
