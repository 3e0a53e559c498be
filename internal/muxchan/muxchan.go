// Package muxchan implements the channel abstraction described in
// spec.md §4.5: three logical channels (control, terminal, files)
// multiplexed over one secure connection. Each channel maps one-to-one to
// a yamux substream, the same multiplexer the teacher uses in
// portal/transport_yamux.go; ordering/reliability per channel then falls
// out of the substream itself (yamux streams are always ordered and
// reliable). Nothing at this layer drops or reorders terminal bytes;
// internal/router stamps each SessionData with a per-session Sequence so
// a receiver can detect and drop reordered payloads itself.
package muxchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/moukrea/remoshell-sub001/internal/framing"
)

// Channel identifies one of the three logical channels a connection
// presents.
type Channel byte

const (
	ChannelControl Channel = iota + 1
	ChannelTerminal
	ChannelFiles
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelTerminal:
		return "terminal"
	case ChannelFiles:
		return "files"
	default:
		return fmt.Sprintf("channel(%d)", byte(c))
	}
}

var allChannels = [...]Channel{ChannelControl, ChannelTerminal, ChannelFiles}

var (
	ErrUnknownChannel  = errors.New("muxchan: unknown channel")
	ErrSessionClosed   = errors.New("muxchan: session closed")
	ErrChannelMismatch = errors.New("muxchan: peer advertised an unexpected channel")
)

// Session abstracts a multiplexed transport connection, mirroring the
// teacher's portal.Session interface so other backing multiplexers could
// be substituted later without touching ChannelSet.
type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
}

// Stream is a single bidirectional substream within a Session.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// yamuxSession adapts a *yamux.Session to Session, the same pattern as
// the teacher's YamuxSession.
type yamuxSession struct {
	sess *yamux.Session
	conn io.Closer
}

func defaultYamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.Logger = nil
	cfg.MaxStreamWindowSize = 16 * 1024 * 1024
	cfg.StreamOpenTimeout = 75 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Minute
	return cfg
}

// NewClientSession creates the initiator side of a yamux session over
// conn (typically a *noiseconn.Conn).
func NewClientSession(conn io.ReadWriteCloser) (Session, error) {
	sess, err := yamux.Client(conn, defaultYamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("muxchan: client session: %w", err)
	}
	return &yamuxSession{sess: sess, conn: conn}, nil
}

// NewServerSession creates the responder side of a yamux session.
func NewServerSession(conn io.ReadWriteCloser) (Session, error) {
	sess, err := yamux.Server(conn, defaultYamuxConfig())
	if err != nil {
		return nil, fmt.Errorf("muxchan: server session: %w", err)
	}
	return &yamuxSession{sess: sess, conn: conn}, nil
}

func (s *yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return s.sess.OpenStream()
}

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return s.sess.AcceptStream()
}

func (s *yamuxSession) Close() error {
	err1 := s.sess.Close()
	var err2 error
	if s.conn != nil {
		err2 = s.conn.Close()
	}
	return errors.Join(err1, err2)
}

// ChannelSet holds the three logical channels open over one Session.
// Each channel's underlying Stream is framed independently via
// internal/framing, so Send/Recv exchange whole messages rather than raw
// bytes.
type ChannelSet struct {
	session Session
	streams map[Channel]Stream
}

// Open establishes all three channels. The initiator opens one substream
// per channel and writes a one-byte channel tag as the first byte so the
// responder — which may accept them in a different order — can route
// each substream to the right logical channel.
func Open(ctx context.Context, session Session, initiator bool) (*ChannelSet, error) {
	if initiator {
		return openAsInitiator(ctx, session)
	}
	return openAsResponder(ctx, session)
}

func openAsInitiator(ctx context.Context, session Session) (*ChannelSet, error) {
	streams := make(map[Channel]Stream, len(allChannels))
	for _, ch := range allChannels {
		stream, err := session.OpenStream(ctx)
		if err != nil {
			closeStreams(streams)
			return nil, fmt.Errorf("muxchan: open %s stream: %w", ch, err)
		}
		if _, err := stream.Write([]byte{byte(ch)}); err != nil {
			stream.Close()
			closeStreams(streams)
			return nil, fmt.Errorf("muxchan: tag %s stream: %w", ch, err)
		}
		streams[ch] = stream
	}
	return &ChannelSet{session: session, streams: streams}, nil
}

func openAsResponder(ctx context.Context, session Session) (*ChannelSet, error) {
	streams := make(map[Channel]Stream, len(allChannels))
	for range allChannels {
		stream, err := session.AcceptStream(ctx)
		if err != nil {
			closeStreams(streams)
			return nil, fmt.Errorf("muxchan: accept stream: %w", err)
		}
		var tag [1]byte
		if _, err := io.ReadFull(stream, tag[:]); err != nil {
			stream.Close()
			closeStreams(streams)
			return nil, fmt.Errorf("muxchan: read channel tag: %w", err)
		}
		ch := Channel(tag[0])
		if !validChannel(ch) {
			stream.Close()
			closeStreams(streams)
			return nil, fmt.Errorf("%w: %d", ErrChannelMismatch, tag[0])
		}
		if _, exists := streams[ch]; exists {
			stream.Close()
			closeStreams(streams)
			return nil, fmt.Errorf("%w: duplicate %s stream", ErrChannelMismatch, ch)
		}
		streams[ch] = stream
	}
	return &ChannelSet{session: session, streams: streams}, nil
}

func validChannel(ch Channel) bool {
	for _, c := range allChannels {
		if c == ch {
			return true
		}
	}
	return false
}

func closeStreams(streams map[Channel]Stream) {
	for _, s := range streams {
		s.Close()
	}
}

// Send frames and writes payload on the given channel.
func (cs *ChannelSet) Send(ch Channel, payload []byte) error {
	stream, ok := cs.streams[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return framing.Encode(stream, payload)
}

// Recv blocks until one framed message arrives on the given channel and
// returns its decoded payload.
func (cs *ChannelSet) Recv(ch Channel) ([]byte, error) {
	stream, ok := cs.streams[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return framing.Decode(stream)
}

// Stream exposes the raw substream for a channel, for callers (e.g. file
// transfer) that want to manage their own chunking atop the channel.
func (cs *ChannelSet) Stream(ch Channel) (Stream, error) {
	stream, ok := cs.streams[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return stream, nil
}

// Close closes every substream and the underlying session.
func (cs *ChannelSet) Close() error {
	closeStreams(cs.streams)
	return cs.session.Close()
}
