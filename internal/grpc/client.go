package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"snowbiome/server/internal/networking"
	"snowbiome/server/internal/session"
)

// Client calls the observer service over an existing connection.
type Client struct {
	conn   grpc.ClientConnInterface
	secret string
}

// NewClient wraps conn. A non-empty secret is attached to every call.
func NewClient(conn grpc.ClientConnInterface, secret string) *Client {
	return &Client{conn: conn, secret: secret}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.secret == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, SecretMetadataKey, c.secret)
}

// ListSessions returns the live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), listSessionsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return decoded.Sessions, nil
}

// Watch is an open WatchSession stream.
type Watch struct {
	stream     grpc.ServerStreamingClient[wrapperspb.BytesValue]
	compressor Compressor
	codec      networking.MsgpackCodec
}

// WatchSession opens a snapshot stream for one session.
func (c *Client) WatchSession(ctx context.Context, req WatchRequest) (*Watch, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	raw, err := c.conn.NewStream(c.outgoing(ctx), &SessionServiceDesc.Streams[0], watchSessionMethod)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, wrapperspb.BytesValue]{ClientStream: raw}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	//1.- The header names the compressor; it arrives before the first frame.
	header, err := stream.Header()
	if err != nil {
		return nil, err
	}
	name := ""
	if values := header.Get(EncodingMetadataKey); len(values) > 0 {
		name = values[0]
	}
	compressor, err := CompressorFor(name)
	if err != nil {
		return nil, err
	}
	return &Watch{stream: stream, compressor: compressor}, nil
}

// Encoding names the compressor the server chose.
func (w *Watch) Encoding() string { return w.compressor.Name() }

// Recv blocks for the next snapshot. It returns io.EOF once the session closes.
func (w *Watch) Recv() (session.Snapshot, error) {
	frame, err := w.stream.Recv()
	if err != nil {
		return session.Snapshot{}, err
	}
	payload, err := w.compressor.Decompress(frame.GetValue())
	if err != nil {
		return session.Snapshot{}, err
	}
	return w.codec.Decode(payload)
}
