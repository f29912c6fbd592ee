package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/replay"
	"snowbiome/server/internal/session"
)

func recordBundle(t *testing.T, root, id string, started time.Time, close bool) string {
	t.Helper()
	now := started
	writer, err := replay.NewWriter(root, replay.Header{SessionID: id, Level: "snowfield", StartedAt: started},
		replay.WithClock(func() time.Time { return now }),
		replay.WithLogger(logging.NewTestLogger()),
	)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := writer.AppendEvent(session.Event{Kind: session.EventBegin, Frame: 0}); err != nil {
		t.Fatalf("event: %v", err)
	}
	payload, err := networking.MsgpackCodec{}.Encode(session.Snapshot{SessionID: id, Frame: 3, Screen: "playing"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := writer.AppendFrame(3, 48, now, payload); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if close {
		if err := writer.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	} else {
		if err := writer.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		t.Cleanup(func() { writer.Close() })
	}
	return writer.Directory()
}

func TestListBundlesOrdersByStart(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	recordBundle(t, root, "later", base.Add(time.Hour), true)
	recordBundle(t, root, "earlier", base, false)
	//1.- Stray files and header-less directories are ignored.
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	entries, err := listBundles(root)
	if err != nil {
		t.Fatalf("listBundles: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two bundles, got %+v", entries)
	}
	if entries[0].Header.SessionID != "earlier" || !entries[0].Live {
		t.Fatalf("expected the open bundle first, got %+v", entries[0])
	}
	if entries[1].Header.SessionID != "later" || entries[1].Live {
		t.Fatalf("expected the closed bundle second, got %+v", entries[1])
	}

	var out bytes.Buffer
	if err := runList([]string{"-dir", root}, &out); err != nil {
		t.Fatalf("runList: %v", err)
	}
	if !strings.Contains(out.String(), "session: earlier") || !strings.Contains(out.String(), "closed") {
		t.Fatalf("unexpected listing:\n%s", out.String())
	}
	if _, err := listBundles(""); err == nil {
		t.Fatalf("expected an empty root to be rejected")
	}
}

func TestShowDecodesTimeline(t *testing.T) {
	dir := recordBundle(t, t.TempDir(), "gamma", time.Date(2025, 2, 2, 9, 0, 0, 0, time.UTC), true)

	var out bytes.Buffer
	if err := runShow([]string{"-path", dir, "-timeline"}, &out); err != nil {
		t.Fatalf("runShow: %v", err)
	}
	var decoded struct {
		Summary  replay.Summary  `json:"summary"`
		Timeline []timelineEntry `json:"timeline"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Summary.SessionID != "gamma" || decoded.Summary.Events != 1 || decoded.Summary.Frames != 1 {
		t.Fatalf("unexpected summary %+v", decoded.Summary)
	}
	//1.- The begin event at frame 0 precedes the frame at tick 3.
	if len(decoded.Timeline) != 2 || decoded.Timeline[0].Event == nil || decoded.Timeline[1].Snapshot == nil {
		t.Fatalf("unexpected timeline %+v", decoded.Timeline)
	}
	if decoded.Timeline[1].Snapshot.Screen != "playing" || decoded.Timeline[1].Tick != 3 {
		t.Fatalf("unexpected decoded frame %+v", decoded.Timeline[1])
	}
	if err := runShow(nil, &out); err == nil {
		t.Fatalf("expected a missing path to be rejected")
	}
}
