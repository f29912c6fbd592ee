package replay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/session"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestWriter(t *testing.T, root string, clock *fakeClock, opts ...WriterOption) *Writer {
	t.Helper()
	opts = append([]WriterOption{WithClock(clock.Now), WithLogger(logging.NewTestLogger())}, opts...)
	writer, err := NewWriter(root, Header{SessionID: "Sess:01", Level: "snowfield"}, opts...)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	return writer
}

func TestWriterRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 7, 10, 12, 0, 0, 0, time.UTC)}
	writer := newTestWriter(t, root, clock)

	if filepath.Base(writer.Directory()) != "Sess01" {
		t.Fatalf("expected sanitised directory, got %s", writer.Directory())
	}
	if writer.Manifest().FrameIntervalMs != 200 {
		t.Fatalf("expected 200 ms cadence, got %d", writer.Manifest().FrameIntervalMs)
	}

	//1.- Two events and three frames spread over the cadence window.
	if err := writer.AppendEvent(session.Event{Kind: session.EventBegin, AtMs: 1}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.AppendEvent(session.Event{Kind: session.EventKeyDown, Key: "KeyW", Frame: 2}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	payload := []byte{0x01, 0x02, 0x03}
	for i := uint64(1); i <= 3; i++ {
		if err := writer.AppendFrame(i, i*16, clock.Now(), payload); err != nil {
			t.Fatalf("append frame %d: %v", i, err)
		}
		clock.Advance(120 * time.Millisecond)
	}
	//2.- The third append crossed the cadence and flushed the whole batch.
	if got := writer.Manifest().Frames; got != 3 {
		t.Fatalf("expected 3 flushed frames after the cadence elapsed, got %d", got)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := writer.AppendEvent(session.Event{Kind: session.EventEnd}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed after close, got %v", err)
	}

	rep, err := Open(writer.Directory())
	if err != nil {
		t.Fatalf("open replay: %v", err)
	}
	if rep.Truncated {
		t.Fatalf("closed bundle must not be truncated")
	}
	if rep.Header.SessionID != "Sess:01" || rep.Header.Level != "snowfield" || rep.Header.FilePointer != manifestFile {
		t.Fatalf("unexpected header %+v", rep.Header)
	}
	if rep.Manifest.Events != 2 || rep.Manifest.Frames != 3 || rep.Manifest.ClosedAt.IsZero() {
		t.Fatalf("unexpected manifest %+v", rep.Manifest)
	}
	if len(rep.Events) != 2 || rep.Events[1].Key != "KeyW" {
		t.Fatalf("unexpected events %+v", rep.Events)
	}
	if len(rep.Frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(rep.Frames))
	}
	for i, frame := range rep.Frames {
		if frame.Tick != uint64(i+1) || frame.SimulatedMs != uint64(i+1)*16 || len(frame.Payload) != 3 {
			t.Fatalf("unexpected frame %d: %+v", i, frame)
		}
	}

	//3.- The merged timeline orders by frame with events first on ties.
	var order []string
	err = rep.Walk(func(e Entry) error {
		if e.Event != nil {
			order = append(order, "e"+string(e.Event.Kind))
		} else {
			order = append(order, "f")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []string{"ebegin", "f", "ekey_down", "f", "f"}
	if len(order) != len(want) {
		t.Fatalf("unexpected timeline %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected timeline %v", order)
		}
	}
}

func TestWriterFlushMakesOpenBundleReadable(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 7, 10, 13, 0, 0, 0, time.UTC)}
	writer := newTestWriter(t, root, clock)
	defer writer.Close()

	for i := uint64(1); i <= 2; i++ {
		if err := writer.AppendFrame(i, i*10, clock.Now(), []byte{0xAA, 0xBB}); err != nil {
			t.Fatalf("append frame: %v", err)
		}
		clock.Advance(50 * time.Millisecond)
	}
	if err := writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rep, err := Open(writer.Directory())
	if err != nil {
		t.Fatalf("open live bundle: %v", err)
	}
	if len(rep.Frames) != 2 {
		t.Fatalf("expected both flushed frames, got %d", len(rep.Frames))
	}
	if rep.Manifest.Frames != 2 || !rep.Manifest.ClosedAt.IsZero() {
		t.Fatalf("unexpected live manifest %+v", rep.Manifest)
	}
}

func TestWriterBreakerSuspendsFailingStorage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 7, 10, 14, 0, 0, 0, time.UTC)}
	writer := newTestWriter(t, t.TempDir(), clock, WithBreakerThreshold(2, time.Hour))
	defer writer.Close()

	failing := errors.New("disk full")
	calls := 0
	op := func() error {
		calls++
		return failing
	}
	//1.- Two consecutive failures trip the breaker.
	for i := 0; i < 2; i++ {
		if err := writer.guard(op); !errors.Is(err, failing) {
			t.Fatalf("attempt %d: expected the disk error, got %v", i, err)
		}
	}
	//2.- While open the operation is not attempted.
	if err := writer.guard(op); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the open breaker to skip the operation, got %d calls", calls)
	}
}

func TestOpenRejectsMissingBundle(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatalf("expected an error for a directory without a header")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, headerFile), []byte("{"), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatalf("expected a decode error for a corrupt header")
	}
}
