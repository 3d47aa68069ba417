package transport

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PublishPath is the forwarder endpoint publishers connect to.
	PublishPath = "/publish"
	// SubscribePath is the forwarder endpoint subscribers connect to.
	SubscribePath = "/subscribe"

	defaultSubscriberBuffer = 256
)

// ForwarderConfig configures the PUB/SUB rendezvous point.
type ForwarderConfig struct {
	Logger *zap.Logger
	// SubscriberBuffer bounds the per-subscriber backlog before payloads are dropped.
	SubscriberBuffer int
}

// Forwarder relays every payload received from any publisher to every
// connected subscriber. Payloads from one publisher reach each subscriber in
// the order they were sent.
type Forwarder struct {
	logger   *zap.Logger
	buffer   int
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[uint64]chan []byte
	sockets     map[*websocket.Conn]struct{}
	nextID      uint64
	closed      bool
	done        chan struct{}
}

// NewForwarder constructs a Forwarder.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Forwarder{
		logger: logger,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[uint64]chan []byte),
		sockets:     make(map[*websocket.Conn]struct{}),
		done:        make(chan struct{}),
	}
}

// Register mounts the publish and subscribe endpoints.
func (f *Forwarder) Register(routes gin.IRoutes) {
	routes.GET(PublishPath, f.handlePublish)
	routes.GET(SubscribePath, f.handleSubscribe)
}

// SubscriberCount reports the number of connected subscribers.
func (f *Forwarder) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Close disconnects every publisher and subscriber.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	sockets := make([]*websocket.Conn, 0, len(f.sockets))
	for socket := range f.sockets {
		sockets = append(sockets, socket)
	}
	f.mu.Unlock()

	for _, socket := range sockets {
		_ = socket.Close()
	}
}

func (f *Forwarder) upgrade(c *gin.Context) (*websocket.Conn, bool) {
	socket, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.String("path", c.FullPath()), zap.Error(err))
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		_ = socket.Close()
		return nil, false
	}
	f.sockets[socket] = struct{}{}
	return socket, true
}

func (f *Forwarder) release(socket *websocket.Conn) {
	f.mu.Lock()
	delete(f.sockets, socket)
	f.mu.Unlock()
	_ = socket.Close()
}

func (f *Forwarder) handlePublish(c *gin.Context) {
	socket, ok := f.upgrade(c)
	if !ok {
		return
	}
	defer f.release(socket)

	remote := socket.RemoteAddr().String()
	f.logger.Info("publisher connected", zap.String("remote", remote))
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Debug("publisher read ended", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		f.broadcast(payload)
	}
}

func (f *Forwarder) broadcast(payload []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, outbound := range f.subscribers {
		select {
		case outbound <- payload:
		default:
			f.logger.Warn("subscriber backlog full, dropping payload",
				zap.Uint64("subscriber_id", id),
				zap.Int("payload_bytes", len(payload)),
			)
		}
	}
}

func (f *Forwarder) handleSubscribe(c *gin.Context) {
	socket, ok := f.upgrade(c)
	if !ok {
		return
	}
	defer f.release(socket)

	id, outbound := f.addSubscriber()
	defer f.removeSubscriber(id)

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := socket.NextReader(); err != nil {
				return
			}
		}
	}()

	f.logger.Info("subscriber connected", zap.Uint64("subscriber_id", id), zap.String("remote", socket.RemoteAddr().String()))
	for {
		select {
		case <-f.done:
			return
		case <-disconnected:
			return
		case payload := <-outbound:
			if err := socket.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				f.logger.Warn("subscriber write failed", zap.Uint64("subscriber_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (f *Forwarder) addSubscriber() (uint64, chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	outbound := make(chan []byte, f.buffer)
	f.subscribers[f.nextID] = outbound
	return f.nextID, outbound
}

func (f *Forwarder) removeSubscriber(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, id)
}
