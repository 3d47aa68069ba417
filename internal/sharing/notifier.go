package sharing

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
)

const (
	defaultNoticeBuffer = 16
	allRecipients       = "*"
)

// Notice announces that a recipient's sharing state reacted to a change.
type Notice struct {
	Recipient string
	Change    *changes.Change
	Timestamp time.Time
}

// Notifier fans notices out to in-process subscribers. Slow subscribers miss
// notices rather than blocking the publisher.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Notice
	nextID      int64
	bufferSize  int
}

// NewNotifier constructs a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[int64]chan Notice),
		bufferSize:  defaultNoticeBuffer,
	}
}

// Subscribe streams the notices of recipient until ctx ends or cleanup runs.
func (n *Notifier) Subscribe(ctx context.Context, recipient string) (<-chan Notice, func()) {
	if recipient == "" {
		stream := make(chan Notice)
		close(stream)
		return stream, func() {}
	}
	return n.subscribe(ctx, recipient)
}

// SubscribeAll streams every notice regardless of recipient.
func (n *Notifier) SubscribeAll(ctx context.Context) (<-chan Notice, func()) {
	return n.subscribe(ctx, allRecipients)
}

func (n *Notifier) subscribe(ctx context.Context, key string) (<-chan Notice, func()) {
	stream := make(chan Notice, n.bufferSize)
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	if _, ok := n.subscribers[key]; !ok {
		n.subscribers[key] = make(map[int64]chan Notice)
	}
	n.subscribers[key][id] = stream
	n.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { n.unsubscribe(key, id) })
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return stream, func() {
		stop()
		unsubscribe()
	}
}

func (n *Notifier) unsubscribe(key string, id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subscribers := n.subscribers[key]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(n.subscribers, key)
	}
}

// Publish delivers notice to the recipient's subscribers and to catch-all subscribers.
func (n *Notifier) Publish(notice Notice) {
	if notice.Recipient == "" || notice.Change == nil {
		return
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}
	n.mu.RLock()
	targets := make([]chan Notice, 0, len(n.subscribers[notice.Recipient])+len(n.subscribers[allRecipients]))
	for _, stream := range n.subscribers[notice.Recipient] {
		targets = append(targets, stream)
	}
	for _, stream := range n.subscribers[allRecipients] {
		targets = append(targets, stream)
	}
	n.mu.RUnlock()

	for _, stream := range targets {
		select {
		case stream <- notice:
		default:
		}
	}
}
