package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

const (
	closeGracePeriod = time.Second
	redialDelay      = 100 * time.Millisecond
	maxRedialDelay   = 5 * time.Second
)

func endpointURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// WebSocketPublisher publishes payloads to a forwarder. A failed write drops
// the connection; the next Publish dials a fresh one.
type WebSocketPublisher struct {
	url    string
	mu     sync.Mutex
	socket *websocket.Conn
	closed bool
}

// DialPublisher connects a publisher to the forwarder at baseURL.
func DialPublisher(ctx context.Context, baseURL string) (*WebSocketPublisher, error) {
	publisher := &WebSocketPublisher{url: endpointURL(baseURL, PublishPath)}
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, publisher.url, nil)
	if err != nil {
		return nil, err
	}
	publisher.socket = socket
	return publisher, nil
}

// Publish sends one payload. The context deadline, if any, bounds the dial
// and the write.
func (p *WebSocketPublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.socket == nil {
		socket, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
		if err != nil {
			return err
		}
		p.socket = socket
	}
	deadline, _ := ctx.Deadline()
	err := p.socket.SetWriteDeadline(deadline)
	if err == nil {
		err = p.socket.WriteMessage(websocket.BinaryMessage, payload)
	}
	if err != nil {
		_ = p.socket.Close()
		p.socket = nil
	}
	return err
}

// Close sends a close frame and releases the connection.
func (p *WebSocketPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.socket == nil {
		return nil
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.socket.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
	return p.socket.Close()
}

// WebSocketSubscriber receives payloads relayed by a forwarder. A lost
// connection is redialed with backoff until Close.
type WebSocketSubscriber struct {
	url      string
	logger   *zap.Logger
	clock    clock.Clock
	messages chan []byte
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	socket *websocket.Conn
}

// DialSubscriber connects a subscriber to the forwarder at baseURL. The
// first dial must succeed.
func DialSubscriber(ctx context.Context, baseURL string, logger *zap.Logger) (*WebSocketSubscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	subscriber := &WebSocketSubscriber{
		url:      endpointURL(baseURL, SubscribePath),
		logger:   logger,
		clock:    clock.WallClock,
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, subscriber.url, nil)
	if err != nil {
		return nil, err
	}
	subscriber.socket = socket
	go subscriber.readLoop()
	return subscriber, nil
}

func (s *WebSocketSubscriber) readLoop() {
	defer close(s.messages)
	for {
		s.mu.Lock()
		socket := s.socket
		s.mu.Unlock()
		if !s.relay(socket) {
			return
		}
		if err := s.redial(); err != nil {
			return
		}
	}
}

// relay forwards payloads from socket until it fails. It reports false once
// the subscriber is closed.
func (s *WebSocketSubscriber) relay(socket *websocket.Conn) bool {
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return false
			default:
			}
			s.logger.Warn("subscriber connection lost, redialing", zap.String("url", s.url), zap.Error(err))
			return true
		}
		select {
		case s.messages <- payload:
		case <-s.done:
			return false
		}
	}
}

func (s *WebSocketSubscriber) redial() error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			socket, _, err := websocket.DefaultDialer.Dial(s.url, nil)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			select {
			case <-s.done:
				_ = socket.Close()
				return ErrClosed
			default:
			}
			_ = s.socket.Close()
			s.socket = socket
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrClosed)
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Debug("forwarder redial failed", zap.String("url", s.url), zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       redialDelay,
		MaxDelay:    maxRedialDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        s.done,
	})
}

// Receive blocks until a payload arrives, the context ends, or the subscriber
// is closed.
func (s *WebSocketSubscriber) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-s.messages:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	}
}

// Close stops redialing and releases the connection.
func (s *WebSocketSubscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.socket.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		err = s.socket.Close()
	})
	return err
}
