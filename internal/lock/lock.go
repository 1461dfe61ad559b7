// Package lock provides cross-process mutual exclusion on Postgres advisory
// locks, with a process-local fallback when the database cannot be reached.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/punchamoorthee/exactlyonce/internal/store"
)

var (
	// ErrBusy is returned by WithLock when the lock was not obtained in time.
	ErrBusy = errors.New("lock busy")
	// ErrReleased is returned when a handle is used after release.
	ErrReleased = errors.New("lock already released")
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultFinancialTimeout = 60 * time.Second
)

// Mode tells callers whether cross-process exclusion is actually in force.
type Mode int

const (
	ModeDistributed Mode = iota
	// ModeLocalFallback only excludes goroutines of this process.
	ModeLocalFallback
)

func (m Mode) String() string {
	switch m {
	case ModeDistributed:
		return "distributed"
	case ModeLocalFallback:
		return "local_fallback"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

type ownerKey struct{}

// WithOwner tags ctx with the identity that acquires and releases locks by
// key through Service.Release. Locks taken without an owner share the empty
// owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// ConnSource hands out pinned connections. *store.DB implements it.
type ConnSource interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// connObserver is implemented by sources that recycle their pool after a
// connectivity failure.
type connObserver interface {
	Observe(ctx context.Context, err error) bool
}

type Config struct {
	Namespace        int32
	StandardTimeout  time.Duration
	FinancialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == 0 {
		c.Namespace = NamespaceDefault
	}
	if c.StandardTimeout <= 0 {
		c.StandardTimeout = DefaultTimeout
	}
	if c.FinancialTimeout <= 0 {
		c.FinancialTimeout = DefaultFinancialTimeout
	}
	return c
}

// Service owns the advisory locks taken by this process in one namespace.
type Service struct {
	src     ConnSource
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	local   *keyedMutex

	mu   sync.Mutex
	held map[string][]*Lock
}

func NewService(src ConnSource, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		src:     src,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "lock"),
		metrics: m,
		local:   newKeyedMutex(),
		held:    make(map[string][]*Lock),
	}
}

// Lock is a held lock. A distributed lock keeps its connection pinned until
// Release; the connection never returns to the pool while the lock is held.
type Lock struct {
	svc        *Service
	key        string
	owner      string
	mode       Mode
	acquiredAt time.Time

	mu           sync.Mutex
	conn         *pgxpool.Conn
	releaseLocal func()
	released     bool
}

func (l *Lock) Key() string { return l.key }
func (l *Lock) Mode() Mode { return l.mode }
func (l *Lock) Degraded() bool { return l.mode == ModeLocalFallback }
func (l *Lock) AcquiredAt() time.Time { return l.acquiredAt }

func (s *Service) timeoutFor(timeout time.Duration, financial bool) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if financial {
		return s.cfg.FinancialTimeout
	}
	return s.cfg.StandardTimeout
}

// Acquire blocks until the lock for key is held or timeout elapses. A zero
// timeout selects the standard or financial default. ok=false with a nil
// error means the lock is busy; callers skip and retry later.
func (s *Service) Acquire(ctx context.Context, key string, timeout time.Duration, financial bool) (*Lock, bool, error) {
	return s.acquire(ctx, key, s.timeoutFor(timeout, financial), financial, true)
}

// TryAcquire takes the lock only if it is free right now.
func (s *Service) TryAcquire(ctx context.Context, key string) (*Lock, bool, error) {
	return s.acquire(ctx, key, 0, false, false)
}

// acquire always takes the process-local mutex first, so a distributed
// holder and a fallback holder in the same process still exclude each other.
// The local mutex is held until Release on both paths.
func (s *Service) acquire(ctx context.Context, key string, timeout time.Duration, financial, blocking bool) (*Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	start := time.Now()
	owner := ownerFrom(ctx)

	wait := timeout
	if !blocking {
		wait = 0
	}
	releaseLocal, ok, err := s.local.lock(ctx, key, wait)
	if err != nil {
		s.metrics.ObserveLockAcquire(financial, "error", time.Since(start))
		return nil, false, err
	}
	if !ok {
		s.metrics.ObserveLockAcquire(financial, "busy", time.Since(start))
		return nil, false, nil
	}

	if blocking {
		timeout -= time.Since(start)
	}
	l, ok, err := s.acquireDistributed(ctx, key, timeout, blocking)
	switch {
	case err == nil && ok:
		l.owner, l.releaseLocal = owner, releaseLocal
		s.metrics.ObserveLockAcquire(financial, "acquired", time.Since(start))
		s.track(l)
		return l, true, nil
	case err == nil:
		releaseLocal()
		s.metrics.ObserveLockAcquire(financial, "busy", time.Since(start))
		return nil, false, nil
	case ctx.Err() != nil:
		releaseLocal()
		s.metrics.ObserveLockAcquire(financial, "error", time.Since(start))
		return nil, false, ctx.Err()
	}

	s.logger.Warn("advisory lock backend unavailable, using process-local fallback; cross-process exclusion is NOT in force",
		"key", key, "financial", financial, "error", err)
	l = &Lock{svc: s, key: key, owner: owner, mode: ModeLocalFallback, acquiredAt: time.Now(), releaseLocal: releaseLocal}
	s.metrics.ObserveLockAcquire(financial, "fallback", time.Since(start))
	s.track(l)
	return l, true, nil
}

func (s *Service) acquireDistributed(ctx context.Context, key string, timeout time.Duration, blocking bool) (*Lock, bool, error) {
	conn, err := s.src.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("pin connection: %w", err)
	}

	ns, hash := s.cfg.Namespace, Hash(key)
	var ok bool
	if blocking {
		ok, err = s.blockingLock(ctx, conn, ns, hash, timeout)
	} else {
		err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1, $2)", ns, hash).Scan(&ok)
	}
	if err != nil {
		s.observe(ctx, err)
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &Lock{svc: s, key: key, mode: ModeDistributed, acquiredAt: time.Now(), conn: conn}, true, nil
}

// blockingLock waits on pg_advisory_lock bounded by a session lock_timeout.
// The setting is always reset before returning so it cannot leak to the next
// borrower of the connection.
func (s *Service) blockingLock(ctx context.Context, conn *pgxpool.Conn, ns, hash int32, timeout time.Duration) (bool, error) {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('lock_timeout', $1, false)", fmt.Sprintf("%dms", ms)); err != nil {
		return false, fmt.Errorf("set lock_timeout: %w", err)
	}

	_, lockErr := conn.Exec(ctx, "SELECT pg_advisory_lock($1, $2)", ns, hash)

	if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET lock_timeout"); err != nil {
		// The session state is unknown; closing it drops any lock it holds.
		s.discard(ctx, conn)
		return false, fmt.Errorf("reset lock_timeout: %w", err)
	}

	if lockErr != nil {
		if store.PgCode(lockErr) == store.CodeLockNotAvailable {
			return false, nil
		}
		return false, lockErr
	}
	return true, nil
}

// discard closes the session behind conn instead of returning it to the pool.
// Postgres drops every advisory lock of a closed session.
func (s *Service) discard(ctx context.Context, conn *pgxpool.Conn) {
	pc := conn.Hijack()
	if err := pc.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("closing hijacked lock connection", "error", err)
	}
}

func (s *Service) observe(ctx context.Context, err error) {
	if o, ok := s.src.(connObserver); ok {
		o.Observe(ctx, err)
	}
}

func (s *Service) track(l *Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[l.key] = append(s.held[l.key], l)
}

func (s *Service) untrack(l *Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := s.held[l.key]
	for i, h := range handles {
		if h == l {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(s.held, l.key)
	} else {
		s.held[l.key] = handles
	}
}

// Held lists the keys this service currently holds, sorted.
func (s *Service) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Release releases the most recent handle for key that was acquired under
// the same owner as ctx (see WithOwner). It reports false when this owner
// holds no handle for key, even if another owner does. Callers that kept the
// *Lock should prefer Lock.Release.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	owner := ownerFrom(ctx)
	s.mu.Lock()
	handles := s.held[key]
	var l *Lock
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i].owner == owner {
			l = handles[i]
			break
		}
	}
	s.mu.Unlock()
	if l == nil {
		s.metrics.ObserveLockRelease("not_held")
		return false, nil
	}
	return l.Release(ctx)
}

// Release unlocks on the same session that acquired the lock. It reports
// false if the session no longer held it. A second call returns ErrReleased.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false, ErrReleased
	}
	l.released = true
	l.svc.untrack(l)
	// The session is unlocked (or closed) before local waiters are let in.
	defer l.releaseLocal()

	if l.mode == ModeLocalFallback {
		l.svc.metrics.ObserveLockRelease("released")
		return true, nil
	}

	conn := l.conn
	l.conn = nil
	var ok bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1, $2)", l.svc.cfg.Namespace, Hash(l.key)).Scan(&ok)
	if err != nil || !ok {
		l.svc.discard(ctx, conn)
		if err != nil {
			l.svc.observe(ctx, err)
			l.svc.metrics.ObserveLockRelease("error")
			l.svc.logger.Warn("advisory unlock failed, session closed", "key", l.key, "error", err)
			return false, fmt.Errorf("unlock %q: %w", l.key, err)
		}
		l.svc.metrics.ObserveLockRelease("not_held")
		l.svc.logger.Warn("advisory lock was not held by its session", "key", l.key)
		return false, nil
	}
	conn.Release()
	l.svc.metrics.ObserveLockRelease("released")
	return true, nil
}

// WithLock runs fn while holding key and releases on every exit path,
// panics included. It returns ErrBusy if the lock was not obtained.
func (s *Service) WithLock(ctx context.Context, key string, timeout time.Duration, financial bool, fn func(ctx context.Context, l *Lock) error) error {
	l, ok, err := s.Acquire(ctx, key, timeout, financial)
	if err != nil {
		return fmt.Errorf("acquire %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("acquire %q: %w", key, ErrBusy)
	}
	defer func() {
		if _, rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Error("release after critical section", "key", key, "error", rerr)
		}
	}()
	return fn(ctx, l)
}
