// Command replay-inspect lists and summarises recorded sessions and can watch a
// live session through the observer service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "snowbiome/server/internal/grpc"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/replay"
	"snowbiome/server/internal/session"
)

const usage = `usage:
  replay-inspect list  -dir DIR [-json]
  replay-inspect show  -path BUNDLE [-timeline]
  replay-inspect watch -addr HOST:PORT -session ID [-secret S] [-compression gzip|snappy|none] [-rate HZ] [-count N]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "list":
		err = runList(os.Args[2:], os.Stdout)
	case "show":
		err = runShow(os.Args[2:], os.Stdout)
	case "watch":
		err = runWatch(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}

func runList(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	root := fs.String("dir", ".", "directory containing replay bundles")
	jsonFlag := fs.Bool("json", false, "emit JSON instead of human-readable output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := listBundles(*root)
	if err != nil {
		return err
	}
	if *jsonFlag {
		payload, err := marshalIndented(entries)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(payload))
		return err
	}
	for _, entry := range entries {
		state := "closed"
		if entry.Live {
			state = "live"
		}
		fmt.Fprintf(out, "%s (schema %d, %s)\n", entry.Dir, entry.Header.SchemaVersion, state)
		fmt.Fprintf(out, "  session: %s\n", entry.Header.SessionID)
		fmt.Fprintf(out, "  level:   %s\n", entry.Header.Level)
		if entry.Header.Subject != "" {
			fmt.Fprintf(out, "  player:  %s\n", entry.Header.Subject)
		}
		fmt.Fprintf(out, "  started: %s\n", entry.Header.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// timelineEntry is one line of the merged event and frame timeline.
type timelineEntry struct {
	Tick     uint64            `json:"tick"`
	Event    *session.Event    `json:"event,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

func runShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	path := fs.String("path", "", "path to a replay bundle directory")
	timeline := fs.Bool("timeline", false, "include every event and decoded frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("path flag is required")
	}
	rep, err := replay.Open(*path)
	if err != nil {
		return err
	}

	payload := struct {
		Summary  replay.Summary  `json:"summary"`
		Header   replay.Header   `json:"header"`
		Timeline []timelineEntry `json:"timeline,omitempty"`
	}{Summary: rep.Summarize(), Header: rep.Header}

	//1.- Frames are stored as msgpack snapshots; decode them for readability.
	if *timeline {
		codec := networking.MsgpackCodec{}
		err := rep.Walk(func(e replay.Entry) error {
			item := timelineEntry{Tick: e.Tick, Event: e.Event}
			if e.Frame != nil {
				snap, err := codec.Decode(e.Frame.Payload)
				if err != nil {
					return fmt.Errorf("frame %d: %w", e.Frame.Tick, err)
				}
				item.Snapshot = &snap
			}
			payload.Timeline = append(payload.Timeline, item)
			return nil
		})
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func runWatch(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8081", "observer service address")
	id := fs.String("session", "", "session to watch; empty lists live sessions")
	secret := fs.String("secret", os.Getenv("SNOWBIOME_GRPC_SECRET"), "observer shared secret")
	compression := fs.String("compression", "gzip", "frame compression: gzip, snappy or none")
	rate := fs.Float64("rate", 5, "frames per second")
	count := fs.Int("count", 0, "stop after this many frames; zero watches until the session ends")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	client := grpcapi.NewClient(conn, *secret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *id == "" {
		sessions, err := client.ListSessions(ctx)
		if err != nil {
			return err
		}
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
		for _, s := range sessions {
			fmt.Fprintf(out, "%s  level=%s screen=%s frames=%d throws=%d\n", s.ID, s.Level, s.Screen, s.Frames, s.Throws)
		}
		return nil
	}

	watch, err := client.WatchSession(ctx, grpcapi.WatchRequest{SessionID: *id, Compression: *compression, RateHz: *rate})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %s (%s)\n", *id, watch.Encoding())
	for received := 0; *count == 0 || received < *count; received++ {
		snap, err := watch.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		feet := snap.Player.Start
		fmt.Fprintf(out, "frame=%d screen=%s feet=(%.2f, %.2f, %.2f) onFloor=%t spheres=%d\n",
			snap.Frame, snap.Screen, feet.X(), feet.Y(), feet.Z(), snap.Player.OnFloor, len(snap.Spheres))
	}
	return nil
}
