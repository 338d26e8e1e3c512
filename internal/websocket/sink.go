package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// ErrSinkClosed is returned when writing to a closed or saturated sink
var ErrSinkClosed = errors.New("sink closed")

// FrameConn is the subset of *websocket.Conn a ConnSink drives. The read
// deadline is how a closed sink unblocks the connection's reader.
type FrameConn interface {
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
}

// ConnSink queues frames for one websocket connection and writes them from
// its own goroutine, pinging the peer periodically.
type ConnSink struct {
	conn   FrameConn
	send   chan []byte
	done   chan struct{}
	exited chan struct{}

	once sync.Once
	mu   sync.Mutex
}

// NewConnSink starts the writer goroutine for conn
func NewConnSink(conn FrameConn) *ConnSink {
	return newConnSink(conn, pingInterval)
}

func newConnSink(conn FrameConn, ping time.Duration) *ConnSink {
	s := &ConnSink{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.writeLoop(ping)
	return s
}

// Write queues frame. A full buffer closes the sink.
func (s *ConnSink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
		s.shutdown()
		return ErrSinkClosed
	}
}

// Close stops the writer, sends a close frame to the peer and ends any
// pending read on the connection.
func (s *ConnSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown()
	return nil
}

// Done is closed once the sink has been closed
func (s *ConnSink) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the writer goroutine has stopped touching the connection
func (s *ConnSink) Wait() {
	<-s.exited
}

func (s *ConnSink) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *ConnSink) writeLoop(ping time.Duration) {
	defer close(s.exited)
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			_ = s.conn.SetReadDeadline(time.Now())
			return

		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Close()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
