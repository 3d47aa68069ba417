// Package txn brackets units of work against the object store. A Context owns
// one connection and one transaction; nested contexts piggyback on their parent
// and defer commit or abort to it.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyInTransaction indicates a second top-level Enter while a context is active.
	ErrAlreadyInTransaction = errors.New("txn: already in transaction")
	// ErrNoTransaction indicates an operation that requires an active transaction ran outside one.
	ErrNoTransaction = errors.New("txn: no active transaction")
	// ErrNotActive indicates Exit was called on a context that already exited.
	ErrNotActive = errors.New("txn: transaction context is not active")
	// ErrConflict is the retryable class of storage failures.
	ErrConflict = errors.New("txn: transient conflict")

	errMissingOpener = errors.New("txn: opener is required")
	noOpLogger       = zap.NewNop()
)

// Connection is a storage connection holding one open transaction.
type Connection interface {
	// DB exposes the transaction-scoped gorm handle.
	DB() *gorm.DB
	// Sync makes the transaction observe the latest committed state.
	Sync() error
	Commit() error
	Abort() error
	// Close releases the connection. It is safe to call after Commit or Abort.
	Close() error
}

// Opener opens a connection with a fresh transaction.
type Opener interface {
	Open(ctx context.Context) (Connection, error)
}

// AfterCommitHook runs once the owning transaction has finished committing.
// worked reports whether the commit succeeded. Hooks never run on abort.
type AfterCommitHook interface {
	AfterCommit(worked bool)
}

// AfterCommitFunc adapts a function into an AfterCommitHook.
type AfterCommitFunc func(worked bool)

// AfterCommit implements AfterCommitHook.
func (f AfterCommitFunc) AfterCommit(worked bool) {
	f(worked)
}

// IsTransient reports whether err belongs to the retryable conflict class,
// including busy or locked errors surfaced by the SQLite driver.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy")
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Opener Opener
	Logger *zap.Logger
}

// Manager hands out transaction contexts bound to a context.Context chain.
type Manager struct {
	opener Opener
	logger *zap.Logger
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Opener == nil {
		return nil, errMissingOpener
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{opener: cfg.Opener, logger: logger}, nil
}

type contextKey struct{}

// FromContext returns the transaction context carried by ctx, if it is still active.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	tc, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || tc == nil || !tc.active() {
		return nil, false
	}
	return tc, true
}

// Enter opens a connection and transaction. The returned context.Context must
// be passed to code running inside the unit of work.
func (m *Manager) Enter(ctx context.Context) (*Context, context.Context, error) {
	if _, ok := FromContext(ctx); ok {
		return nil, ctx, ErrAlreadyInTransaction
	}
	conn, err := m.opener.Open(ctx)
	if err != nil {
		return nil, ctx, err
	}
	tc := &Context{manager: m, conn: conn}
	return tc, context.WithValue(ctx, contextKey{}, tc), nil
}

// EnterNested joins the active transaction when there is one and otherwise
// behaves like Enter.
func (m *Manager) EnterNested(ctx context.Context) (*Context, context.Context, error) {
	parent, ok := FromContext(ctx)
	if !ok {
		return m.Enter(ctx)
	}
	root := parent.root()
	nested := &Context{manager: m, parent: root, conn: root.conn}
	return nested, context.WithValue(ctx, contextKey{}, nested), nil
}

// Run brackets fn in a top-level transaction. fn's error aborts the transaction
// and is returned; a nil error commits.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tc *Context) error) error {
	tc, txCtx, err := m.Enter(ctx)
	if err != nil {
		return err
	}
	return tc.run(txCtx, fn)
}

// RunNested brackets fn in a nested transaction when one is active.
func (m *Manager) RunNested(ctx context.Context, fn func(ctx context.Context, tc *Context) error) error {
	tc, txCtx, err := m.EnterNested(ctx)
	if err != nil {
		return err
	}
	return tc.run(txCtx, fn)
}

// Context is one scoped unit of work. It is not safe for concurrent use; each
// goroutine chain enters its own.
type Context struct {
	manager   *Manager
	parent    *Context
	conn      Connection
	hooks     []AfterCommitHook
	doomed    bool
	exited    bool
	premature bool
}

func (tc *Context) root() *Context {
	if tc.parent != nil {
		return tc.parent
	}
	return tc
}

func (tc *Context) active() bool {
	if tc.exited {
		return false
	}
	if tc.parent != nil {
		return tc.parent.active()
	}
	return true
}

// Nested reports whether tc piggybacks on a parent transaction.
func (tc *Context) Nested() bool {
	return tc.parent != nil
}

// Connection returns the connection of the owning top-level transaction.
func (tc *Context) Connection() Connection {
	return tc.conn
}

// DB is shorthand for Connection().DB().
func (tc *Context) DB() *gorm.DB {
	return tc.conn.DB()
}

// Doom marks the transaction so that it aborts even on an error-free exit.
func (tc *Context) Doom() {
	tc.root().doomed = true
}

// IsDoomed reports whether the transaction will abort on exit.
func (tc *Context) IsDoomed() bool {
	return tc.root().doomed
}

// AddAfterCommitHook registers hook on the top-level transaction.
func (tc *Context) AddAfterCommitHook(hook AfterCommitHook) {
	root := tc.root()
	root.hooks = append(root.hooks, hook)
}

// AfterCommitHooks returns the hooks registered so far, in registration order.
func (tc *Context) AfterCommitHooks() []AfterCommitHook {
	root := tc.root()
	hooks := make([]AfterCommitHook, len(root.hooks))
	copy(hooks, root.hooks)
	return hooks
}

// Exit finishes the context. A top-level context commits when bodyErr is nil
// and the transaction is not doomed, and aborts otherwise; the connection is
// always closed. A nested context dooms its parent on bodyErr.
func (tc *Context) Exit(bodyErr error) error {
	if tc.exited {
		if tc.premature {
			return bodyErr
		}
		return ErrNotActive
	}
	tc.exited = true
	if tc.parent != nil {
		if bodyErr != nil {
			tc.parent.doomed = true
		}
		return bodyErr
	}
	return tc.finish(bodyErr)
}

// ExitPrematurely exits now and turns any later Exit into a no-op. Long-lived
// loops use it when cleanup has to happen before their deferred exit runs.
func (tc *Context) ExitPrematurely(bodyErr error) error {
	err := tc.Exit(bodyErr)
	tc.premature = true
	return err
}

func (tc *Context) run(ctx context.Context, fn func(ctx context.Context, tc *Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tc.Exit(fmt.Errorf("txn: panic: %v", recovered))
			panic(recovered)
		}
	}()
	return tc.Exit(fn(ctx, tc))
}

func (tc *Context) finish(bodyErr error) error {
	logger := tc.manager.logger
	hooks := tc.hooks
	tc.hooks = nil

	var outcome error
	if bodyErr != nil || tc.doomed {
		if err := tc.conn.Abort(); err != nil {
			logger.Warn("transaction abort failed", zap.Error(err))
			outcome = err
		}
	} else if err := tc.conn.Commit(); err != nil {
		outcome = err
		runAfterCommitHooks(hooks, false)
		if abortErr := tc.conn.Abort(); abortErr != nil {
			logger.Debug("abort after failed commit", zap.Error(abortErr))
		}
	} else {
		runAfterCommitHooks(hooks, true)
	}

	if closeErr := tc.conn.Close(); closeErr != nil {
		if abortErr := tc.conn.Abort(); abortErr != nil {
			logger.Debug("abort after failed close", zap.Error(abortErr))
		}
		logger.Error("connection close failed", zap.Error(closeErr))
		outcome = errors.Join(outcome, closeErr)
	}

	switch {
	case outcome == nil:
		return bodyErr
	case bodyErr == nil:
		return outcome
	default:
		return errors.Join(bodyErr, outcome)
	}
}

func runAfterCommitHooks(hooks []AfterCommitHook, worked bool) {
	for _, hook := range hooks {
		hook.AfterCommit(worked)
	}
}
