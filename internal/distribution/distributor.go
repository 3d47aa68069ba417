// Package distribution carries committed changes from the transaction that
// produced them to every registered change listener, in this process or in
// any process subscribed to the same transport.
package distribution

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
)

// Listener reacts to a resolved change inside the receiving transaction.
// Returning a transient error retries the whole batch; any other error is
// logged and ignored.
type Listener interface {
	OnChange(ctx context.Context, tc *txn.Context, change *changes.Change, metadata map[string]string) error
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(ctx context.Context, tc *txn.Context, change *changes.Change, metadata map[string]string) error

// OnChange implements Listener.
func (f ListenerFunc) OnChange(ctx context.Context, tc *txn.Context, change *changes.Change, metadata map[string]string) error {
	return f(ctx, tc, change, metadata)
}

// ListenerID identifies a registration.
type ListenerID uint64

type registration struct {
	id       ListenerID
	listener Listener
}

// Distributor holds the change listeners of one process.
type Distributor struct {
	mu        sync.RWMutex
	nextID    ListenerID
	listeners []registration
}

// NewDistributor constructs an empty Distributor.
func NewDistributor() *Distributor {
	return &Distributor{}
}

// AddChangeListener registers listener and returns its registration id.
func (d *Distributor) AddChangeListener(listener Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners = append(d.listeners, registration{id: d.nextID, listener: listener})
	return d.nextID
}

// RemoveChangeListener unregisters the listener and reports whether it was registered.
func (d *Distributor) RemoveChangeListener(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for index, registered := range d.listeners {
		if registered.id == id {
			d.listeners = append(d.listeners[:index:index], d.listeners[index+1:]...)
			return true
		}
	}
	return false
}

func (d *Distributor) snapshot() []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	listeners := make([]registration, len(d.listeners))
	copy(listeners, d.listeners)
	return listeners
}

// Len reports the number of registered listeners.
func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}
