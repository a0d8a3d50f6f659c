// Package quictransport implements transport.Session and transport.Listener
// on top of github.com/quic-go/quic-go, the QUIC-based media transport
// described at its interface boundary.
package quictransport

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/voicetyped/sfu-core/internal/sfu/transport"
)

// Session adapts a quic.Connection to transport.Session. Media flows are
// unidirectional QUIC streams; the signaling and feedback channels are
// fixed bidirectional streams opened once at handshake.
type Session struct {
	conn quic.Connection

	nextSendID atomic.Uint32
	nextRecvID atomic.Uint32

	sigStream quic.Stream
	fbStream  quic.Stream

	closed chan struct{}
}

// NewSession wraps conn, opening the dedicated signaling and feedback
// bidirectional streams. The peer is expected to accept two bidirectional
// streams in the same order.
func NewSession(ctx context.Context, conn quic.Connection) (*Session, error) {
	sig, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open signaling stream: %w", err)
	}
	fb, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open feedback stream: %w", err)
	}

	s := &Session{
		conn:      conn,
		sigStream: sig,
		fbStream:  fb,
		closed:    make(chan struct{}),
	}
	go s.watchClose()
	return s, nil
}

// AcceptSession waits for an incoming connection's dedicated streams in the
// same fixed order NewSession opens them in.
func AcceptSession(ctx context.Context, conn quic.Connection) (*Session, error) {
	sig, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept signaling stream: %w", err)
	}
	fb, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept feedback stream: %w", err)
	}
	s := &Session{conn: conn, sigStream: sig, fbStream: fb, closed: make(chan struct{})}
	go s.watchClose()
	return s, nil
}

func (s *Session) watchClose() {
	<-s.conn.Context().Done()
	close(s.closed)
}

func (s *Session) RemoteID() []byte {
	return []byte(s.conn.RemoteAddr().String())
}

func (s *Session) NewSendFlow() (transport.SendFlow, error) {
	id := transport.FlowID(s.nextSendID.Add(1))
	stream, err := s.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return nil, fmt.Errorf("quictransport: open send flow: %w", err)
	}
	return &sendFlow{id: id, stream: stream}, nil
}

func (s *Session) NewReceiveFlow() (transport.RecvFlow, error) {
	id := transport.FlowID(s.nextRecvID.Add(1))
	stream, err := s.conn.AcceptUniStream(context.Background())
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept receive flow: %w", err)
	}
	return &recvFlow{id: id, stream: stream}, nil
}

func (s *Session) SignalingStream() io.ReadWriteCloser { return s.sigStream }
func (s *Session) FeedbackStream() io.ReadWriteCloser  { return s.fbStream }

func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Close() error {
	return s.conn.CloseWithError(0, "session closed")
}

type sendFlow struct {
	id     transport.FlowID
	stream quic.SendStream
}

func (f *sendFlow) ID() transport.FlowID { return f.id }

func (f *sendFlow) Write(packet []byte) error {
	_, err := f.stream.Write(packet)
	return err
}

func (f *sendFlow) Close() error { return f.stream.Close() }

type recvFlow struct {
	id     transport.FlowID
	stream quic.ReceiveStream
}

func (f *recvFlow) ID() transport.FlowID { return f.id }

func (f *recvFlow) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 1500)
	n, err := f.stream.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (f *recvFlow) Close() error {
	f.stream.CancelRead(0)
	return nil
}

// Listener adapts a quic.Listener to transport.Listener.
type Listener struct {
	ln *quic.Listener
}

func Listen(ln *quic.Listener) *Listener { return &Listener{ln: ln} }

func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return AcceptSession(ctx, conn)
}

func (l *Listener) Close() error { return l.ln.Close() }
