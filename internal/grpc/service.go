package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"snowbiome/server/internal/logging"
	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/session"
)

const (
	defaultWatchRateHz = 20
	maxWatchRateHz     = 60
	watchBuffer        = 8
)

// Option customises the behaviour of the observer service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger attaches a logger for stream lifecycle messages.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithMetrics records sent frames and drops alongside the websocket clients.
func WithMetrics(metrics *networking.SnapshotMetrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// Service lets observers list sessions and watch their snapshots.
type Service struct {
	sessions  SessionDirectory
	codec     networking.MsgpackCodec
	newTicker tickerFactory
	log       *logging.Logger
	metrics   *networking.SnapshotMetrics
	observers atomic.Uint64
}

// NewService wires the observer service to the session directory.
func NewService(sessions SessionDirectory, opts ...Option) *Service {
	service := &Service{sessions: sessions, newTicker: defaultTickerFactory, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// ListSessions returns {"sessions": [...]} with one entry per live session.
func (s *Service) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.sessions == nil {
		return nil, status.Error(codes.FailedPrecondition, "sessions unavailable")
	}
	summaries := s.sessions.List()
	list := make([]interface{}, 0, len(summaries))
	for _, summary := range summaries {
		list = append(list, map[string]interface{}{
			"id":          summary.ID,
			"subject":     summary.Subject,
			"level":       summary.Level,
			"screen":      summary.Screen,
			"running":     summary.Running,
			"frames":      summary.Frames,
			"throws":      summary.Throws,
			"respawns":    summary.Respawns,
			"subscribers": summary.Subscribers,
			"createdAt":   summary.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{"sessions": list})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sessions: %v", err)
	}
	return out, nil
}

// WatchSession streams msgpack snapshots of one session, compressed as the
// request asks. Snapshots that arrive between ticks are coalesced so only the
// newest is sent. The stream ends cleanly when the session closes.
func (s *Service) WatchSession(in *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.sessions == nil {
		return status.Error(codes.FailedPrecondition, "sessions unavailable")
	}
	req := ParseWatchRequest(in)
	if strings.TrimSpace(req.SessionID) == "" {
		return status.Error(codes.InvalidArgument, "sessionId is required")
	}
	compressor, err := CompressorFor(req.Compression)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	target, err := s.sessions.Get(req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return status.Errorf(codes.NotFound, "session %s not found", req.SessionID)
	}
	if err != nil {
		return status.Errorf(codes.Internal, "lookup session: %v", err)
	}

	rate := req.RateHz
	if rate <= 0 {
		rate = defaultWatchRateHz
	}
	if rate > maxWatchRateHz {
		rate = maxWatchRateHz
	}

	//1.- Subscribe before the first send so no frame falls between the two.
	snaps, cancel := target.Subscribe(watchBuffer)
	defer cancel()
	if err := stream.SendHeader(metadata.Pairs(EncodingMetadataKey, compressor.Name())); err != nil {
		return err
	}
	observer := fmt.Sprintf("grpc-%d:%s", s.observers.Add(1), req.SessionID)
	defer s.metrics.ForgetClient(observer)
	if err := s.send(stream, compressor, observer, target.Snapshot()); err != nil {
		return err
	}

	ctx := stream.Context()
	tickCh, stop := s.newTicker(time.Duration(float64(time.Second) / rate))
	defer stop()
	s.log.Info("observer attached", logging.String("session_id", req.SessionID), logging.String("encoding", compressor.Name()))

	var latest *session.Snapshot
	closed := false
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case snap, ok := <-snaps:
			if !ok {
				closed = true
				snaps = nil
				if latest == nil {
					return nil
				}
				continue
			}
			if latest != nil {
				s.metrics.ObserveDrop(networking.DropBackpressure)
			}
			latest = &snap
		case <-tickCh:
			//2.- Drain what is already queued so the tick carries the newest frame.
			latest, closed = drainLatest(snaps, latest, closed)
			if closed {
				snaps = nil
			}
			if latest != nil {
				if err := s.send(stream, compressor, observer, *latest); err != nil {
					return err
				}
				latest = nil
			}
			if closed {
				return nil
			}
		}
	}
}

func drainLatest(snaps <-chan session.Snapshot, latest *session.Snapshot, closed bool) (*session.Snapshot, bool) {
	if snaps == nil {
		return latest, closed
	}
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return latest, true
			}
			latest = &snap
		default:
			return latest, closed
		}
	}
}

func (s *Service) send(stream grpc.ServerStreamingServer[wrapperspb.BytesValue], compressor Compressor, observer string, snap session.Snapshot) error {
	payload, err := s.codec.Encode(snap)
	if err != nil {
		s.metrics.ObserveDrop(networking.DropEncode)
		return status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	compressed, err := compressor.Compress(payload)
	if err != nil {
		return status.Errorf(codes.Internal, "compress snapshot: %v", err)
	}
	if err := stream.Send(wrapperspb.Bytes(compressed)); err != nil {
		return err
	}
	s.metrics.ObserveSent(observer, len(compressed))
	return nil
}

var _ SessionServiceServer = (*Service)(nil)
