package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/session"
)

// DefaultFrameInterval is the cadence at which buffered frames reach disk.
const DefaultFrameInterval = 200 * time.Millisecond

const frameHeaderSize = 8 + 8 + 8 + 4

var (
	// ErrWriterClosed is returned by appends after Close.
	ErrWriterClosed = errors.New("replay: writer closed")
	// ErrSuspended is returned while the storage breaker is open.
	ErrSuspended = errors.New("replay: writes suspended")
)

var sessionDirCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

type frameBlob struct {
	Tick        uint64
	SimulatedMs uint64
	CapturedAt  time.Time
	Payload     []byte
}

// WriterOption customises a Writer.
type WriterOption func(*Writer)

// WithClock overrides the wall clock used for cadence and manifest stamps.
func WithClock(clock func() time.Time) WriterOption {
	return func(w *Writer) {
		if clock != nil {
			w.now = clock
		}
	}
}

// WithFrameInterval overrides the frame flush cadence.
func WithFrameInterval(interval time.Duration) WriterOption {
	return func(w *Writer) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithLogger attaches a logger for breaker transitions.
func WithLogger(logger *logging.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithBreakerThreshold sets how many consecutive disk failures open the breaker.
func WithBreakerThreshold(failures uint32, cooldown time.Duration) WriterOption {
	return func(w *Writer) {
		if failures > 0 {
			w.tripAfter = failures
		}
		if cooldown > 0 {
			w.cooldown = cooldown
		}
	}
}

// Writer streams one session's events and frames into a replay bundle.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	interval    time.Duration
	log         *logging.Logger
	tripAfter   uint32
	cooldown    time.Duration
	breaker     *gobreaker.CircuitBreaker
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	manifest    Manifest
	dropped     int64
	closed      bool
}

// NewWriter creates <root>/<sessionID>/ and opens the compressed sinks. The
// header is persisted immediately so partially written bundles stay readable.
func NewWriter(root string, header Header, opts ...WriterOption) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("replay root must be provided")
	}
	w := &Writer{
		now:       time.Now,
		interval:  DefaultFrameInterval,
		log:       logging.L(),
		tripAfter: 3,
		cooldown:  10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	folder := sessionDirCleaner.ReplaceAllString(header.SessionID, "")
	if folder == "" {
		folder = "session"
	}
	w.dir = filepath.Join(root, folder)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}

	created := w.now().UTC()
	header.SchemaVersion = HeaderSchemaVersion
	header.FilePointer = manifestFile
	if header.StartedAt.IsZero() {
		header.StartedAt = created
	}
	if err := WriteHeader(filepath.Join(w.dir, headerFile), header); err != nil {
		return nil, err
	}

	eventFile, err := os.Create(filepath.Join(w.dir, eventsFile))
	if err != nil {
		return nil, err
	}
	frameFile, err := os.Create(filepath.Join(w.dir, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, err
	}
	frameStream, err := zstd.NewWriter(frameFile, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, err
	}
	w.eventFile = eventFile
	w.eventStream = snappy.NewBufferedWriter(eventFile)
	w.frameFile = frameFile
	w.frameStream = frameStream
	w.manifest = Manifest{
		Version:         1,
		SessionID:       header.SessionID,
		CreatedAt:       created,
		FrameIntervalMs: w.interval.Milliseconds(),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	if err := writeJSON(filepath.Join(w.dir, manifestFile), w.manifest); err != nil {
		w.closeStreams()
		return nil, err
	}

	sessionID := header.SessionID
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "replay-" + folder,
		MaxRequests: 1,
		Timeout:     w.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Warn("replay storage breaker changed state",
				logging.String("session_id", sessionID),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	})
	return w, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Manifest returns the current manifest including running totals.
func (w *Writer) Manifest() Manifest {
	if w == nil {
		return Manifest{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

// Dropped reports how many frames were discarded while the breaker was open.
func (w *Writer) Dropped() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// guard runs a disk operation through the breaker. Callers hold w.mu.
func (w *Writer) guard(op func() error) error {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSuspended, err)
	}
	return err
}

// AppendEvent writes one JSON line to the snappy event log.
func (w *Writer) AppendEvent(event session.Event) error {
	if w == nil {
		return ErrWriterClosed
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	err = w.guard(func() error {
		if _, err := w.eventStream.Write(line); err != nil {
			return err
		}
		return w.eventStream.Flush()
	})
	if err != nil {
		return err
	}
	w.manifest.Events++
	return nil
}

// AppendFrame stages an encoded snapshot and writes the batch once the cadence
// interval has passed since the previous flush.
func (w *Writer) AppendFrame(tick, simulatedMs uint64, capturedAt time.Time, payload []byte) error {
	if w == nil {
		return ErrWriterClosed
	}
	clone := append([]byte(nil), payload...)
	now := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, frameBlob{Tick: tick, SimulatedMs: simulatedMs, CapturedAt: capturedAt.UTC(), Payload: clone})
	if w.lastFlush.IsZero() {
		w.lastFlush = now
		return nil
	}
	if now.Sub(w.lastFlush) < w.interval {
		return nil
	}
	w.lastFlush = now
	return w.flushLocked()
}

// Flush forces pending frames to disk and refreshes the manifest.
func (w *Writer) Flush() error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.lastFlush = w.now().UTC()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.guard(func() error {
		if err := w.frameStream.Flush(); err != nil {
			return err
		}
		return writeJSON(filepath.Join(w.dir, manifestFile), w.manifest)
	})
}

// Close flushes every buffer, stamps the manifest and releases file handles.
// Every step is attempted and the first failure is returned.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.flushLocked(); err != nil {
		firstErr = err
	}
	if err := w.closeStreams(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.manifest.ClosedAt = w.now().UTC()
	if err := writeJSON(filepath.Join(w.dir, manifestFile), w.manifest); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *Writer) closeStreams() error {
	var firstErr error
	if err := w.eventStream.Close(); err != nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil
	err := w.guard(func() error {
		header := make([]byte, frameHeaderSize)
		for _, frame := range batch {
			//1.- Length-prefixed records let readers step without an index.
			binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
			binary.LittleEndian.PutUint64(header[8:16], frame.SimulatedMs)
			binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
			binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
			if _, err := w.frameStream.Write(header); err != nil {
				return err
			}
			if _, err := w.frameStream.Write(frame.Payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.dropped += int64(len(batch))
		return err
	}
	w.manifest.Frames += int64(len(batch))
	return nil
}
