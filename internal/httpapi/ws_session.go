package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/brigade/internal/observability"
	"github.com/ent0n29/brigade/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsReadDeadline = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type outboundFrame struct {
	data    []byte
	written chan error
}

// wsSession adapts a websocket connection to session.Session. A read pump
// feeds Receive and a single writer goroutine owns every write.
type wsSession struct {
	id      string
	conn    *websocket.Conn
	metrics *observability.Metrics

	inbound  chan []byte
	outbound chan outboundFrame
	done     chan struct{}
	once     sync.Once
}

func newWSSession(conn *websocket.Conn, metrics *observability.Metrics) *wsSession {
	s := &wsSession{
		id:       uuid.NewString(),
		conn:     conn,
		metrics:  metrics,
		inbound:  make(chan []byte, 64),
		outbound: make(chan outboundFrame),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.inbound:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.inbound:
			return msg, nil
		default:
			return nil, session.ErrClosed
		}
	}
}

// Send returns once the frame has been written to the connection.
func (s *wsSession) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return session.ErrClosed
	default:
	}
	frame := outboundFrame{data: msg, written: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return session.ErrClosed
	case s.outbound <- frame:
	}
	select {
	case err := <-frame.written:
		return err
	case <-s.done:
		return session.ErrClosed
	}
}

func (s *wsSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *wsSession) readLoop() {
	defer s.Close()

	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		s.observe("inbound", "received")
		select {
		case s.inbound <- data:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, frame.data)
			frame.written <- err
			if err != nil {
				s.observe("outbound", "write_error")
				s.Close()
				return
			}
			s.observe("outbound", "sent")
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) observe(direction, result string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, result).Inc()
	}
}
