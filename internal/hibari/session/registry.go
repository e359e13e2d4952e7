package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// evictTimeout bounds the save of a session evicted by Tick.
const evictTimeout = 2 * time.Minute

// RegistryConfig tunes a Registry. Zero fields take the defaults noted.
type RegistryConfig struct {
	// IdleTimeout removes private sessions with no activity. 15m.
	IdleTimeout time.Duration
	// InteractionTTL expires pending interactions. 300s.
	InteractionTTL time.Duration
	// Policies, when set, is consulted before a session is created and on
	// every Tick: switched-off conversations get no session.
	Policies PolicySource
	// Windows is where Reset deletes persisted windows.
	Windows WindowStore
	Logger  *slog.Logger
}

// Factory builds a session for key. The Registry loads and starts it.
type Factory func(key Key) *Session

// NewFactory returns a Factory building sessions with cfg and deps.
func NewFactory(cfg Config, deps Deps) Factory {
	return func(key Key) *Session { return New(key, cfg, deps) }
}

// slot is the registry entry of one conversation id. session and err are
// written once, before ready is closed. retired is set, under the registry
// mutex, when the session starts going away and closed once it is gone;
// until then nobody can create a replacement.
type slot struct {
	session *Session
	err     error
	ready   chan struct{}
	retired chan struct{}
}

// Registry owns the live sessions, one per conversation id.
type Registry struct {
	cfg     RegistryConfig
	factory Factory
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	evicts  sync.WaitGroup

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// NewRegistry returns an empty Registry. Sessions run under a context owned
// by the registry and cancelled by Close.
func NewRegistry(cfg RegistryConfig, factory Factory) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.InteractionTTL <= 0 {
		cfg.InteractionTTL = InteractionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "registry"),
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(map[string]*slot),
	}
}

var errRegistryClosed = errors.New("session registry closed")

// GetOrCreate returns the live session for key.ID, creating, loading and
// starting it on first use. Concurrent callers for one id share a single
// creation; callers for other ids are not held up by it. While a session
// is being removed, callers wait and then get a fresh session loaded from
// what the old one saved.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errRegistryClosed
		}
		sl, ok := r.slots[key.ID]
		if !ok {
			sl = &slot{ready: make(chan struct{})}
			r.slots[key.ID] = sl
			r.mu.Unlock()
			s, err := r.create(ctx, key, sl)
			if errors.Is(err, ErrDisabled) {
				// removed or reset while loading; load again once it is gone
				continue
			}
			return s, err
		}
		retired := sl.retired
		r.mu.Unlock()

		if retired != nil {
			if err := waitFor(ctx, retired); err != nil {
				return nil, err
			}
			continue
		}
		if err := waitFor(ctx, sl.ready); err != nil {
			return nil, err
		}
		if sl.err != nil {
			return nil, sl.err
		}
		r.mu.Lock()
		live := sl.retired == nil
		r.mu.Unlock()
		if live {
			return sl.session, nil
		}
	}
}

func (r *Registry) create(ctx context.Context, key Key, sl *slot) (*Session, error) {
	s, err := r.open(ctx, key)

	r.mu.Lock()
	if err == nil && (r.closed || sl.retired != nil) {
		s.Disable()
		err = ErrDisabled
		if r.closed {
			err = errRegistryClosed
		}
	}
	if err != nil {
		if r.slots[key.ID] == sl && sl.retired == nil {
			delete(r.slots, key.ID)
		}
	} else {
		sl.session = s
	}
	sl.err = err
	close(sl.ready)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	r.logger.Info("session created", "conversation", key.ID, "kind", key.Kind)
	return s, nil
}

func (r *Registry) open(ctx context.Context, key Key) (*Session, error) {
	if r.switchedOff(ctx, key.ID) {
		return nil, ErrConversationOff
	}
	s := r.factory(key)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	s.Start(r.ctx)
	return s, nil
}

func (r *Registry) switchedOff(ctx context.Context, id string) bool {
	if r.cfg.Policies == nil {
		return false
	}
	p, err := r.cfg.Policies.LoadPolicy(ctx, id)
	if err != nil {
		r.logger.Warn("chat policy unavailable", "conversation", id, "err", err)
		return false
	}
	return p.Disabled
}

func waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the live session id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[id]
	if !ok || sl.session == nil || sl.retired != nil {
		return nil, false
	}
	return sl.session, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

// PostEvent enqueues an event on a live session. It reports false when the
// session does not exist or no longer accepts items.
func (r *Registry) PostEvent(id, text string, mode TriggerMode) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.PostEvent(text, mode) == nil
}

// Deliver hands an inbound message to the session of key, creating it on
// first use. A session that stopped between lookup and enqueue is replaced
// once, so the message is not lost to a concurrent removal.
func (r *Registry) Deliver(ctx context.Context, key Key, m Message) error {
	s, err := r.GetOrCreate(ctx, key)
	if err != nil {
		return err
	}
	err = s.HandleMessage(m)
	if !errors.Is(err, ErrDisabled) {
		return err
	}
	if err := r.removeSession(ctx, key.ID, s); err != nil {
		r.logger.Warn("stopped session not saved", "conversation", key.ID, "err", err)
	}
	if s, err = r.GetOrCreate(ctx, key); err != nil {
		return err
	}
	return s.HandleMessage(m)
}

// retire marks the slot of id as going away and returns its session (nil
// while still loading, or when placeholder inserted a slot for an id with
// no session). With want set, only a slot holding want is retired. finish
// must be called once the session is gone. ok is false when there is
// nothing to retire or a removal is already running, in which case busy is
// that removal's channel.
func (r *Registry) retire(id string, want *Session, placeholder bool) (s *Session, finish func(), busy <-chan struct{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, found := r.slots[id]
	if found && sl.retired != nil {
		return nil, nil, sl.retired, false
	}
	if found && want != nil && sl.session != want {
		return nil, nil, nil, false
	}
	if !found {
		if !placeholder || r.closed {
			return nil, nil, nil, false
		}
		sl = &slot{ready: make(chan struct{}), err: ErrDisabled}
		close(sl.ready)
		r.slots[id] = sl
	}
	sl.retired = make(chan struct{})
	finish = func() {
		r.mu.Lock()
		if r.slots[id] == sl {
			delete(r.slots, id)
		}
		r.mu.Unlock()
		close(sl.retired)
	}
	return sl.session, finish, nil, true
}

// stopAndSave disables s, waits for its loop and background work, and saves
// the final window.
func (r *Registry) stopAndSave(ctx context.Context, s *Session) error {
	s.Disable()
	stopped := make(chan struct{})
	go func() {
		<-s.Done()
		s.Wait()
		close(stopped)
	}()
	if err := waitFor(ctx, stopped); err != nil {
		return fmt.Errorf("stop session %s: %w", s.ID(), err)
	}
	return s.Save(ctx)
}

// Remove disables session id, saves it and forgets it. A GetOrCreate for
// the same id issued meanwhile waits for the save.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.removeSession(ctx, id, nil)
}

func (r *Registry) removeSession(ctx context.Context, id string, want *Session) error {
	s, finish, _, ok := r.retire(id, want, false)
	if !ok {
		return nil
	}
	defer finish()
	if s == nil {
		return nil
	}
	err := r.stopAndSave(ctx, s)
	r.logger.Info("session removed", "conversation", id)
	return err
}

// Reset stops the session of id, if any, and deletes its persisted window,
// so the next message starts from an empty conversation.
func (r *Registry) Reset(ctx context.Context, id string) error {
	for {
		s, finish, busy, ok := r.retire(id, nil, true)
		if !ok {
			if busy == nil {
				return errRegistryClosed
			}
			if err := waitFor(ctx, busy); err != nil {
				return err
			}
			continue
		}
		defer finish()

		if s != nil {
			s.Disable()
			if err := waitFor(ctx, s.Done()); err != nil {
				return fmt.Errorf("stop session %s: %w", id, err)
			}
		}
		if r.cfg.Windows != nil {
			if err := r.cfg.Windows.DeleteWindow(ctx, id); err != nil {
				return fmt.Errorf("%w: %v", ErrTransientGateway, err)
			}
		}
		r.logger.Info("session reset", "conversation", id)
		return nil
	}
}

// ForEach calls fn for every live session, ordered by id. The set is
// snapshotted first so fn may call back into the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.snapshot() {
		fn(s)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.slots))
	for _, sl := range r.slots {
		if sl.session != nil && sl.retired == nil {
			out = append(out, sl.session)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Tick is the minute maintenance pass: expired interactions are swept,
// every session processes its timers, and idle private sessions and
// switched-off conversations are evicted. Tick never waits for a reply
// fetch; evicted sessions are saved in the background.
func (r *Registry) Tick(ctx context.Context, now time.Time) {
	for _, s := range r.snapshot() {
		if n := s.cleanupExpiredInteractionsAt(now, r.cfg.InteractionTTL); n > 0 {
			r.logger.Debug("interactions expired", "conversation", s.ID(), "count", n)
		}
		if err := s.processTimerAt(ctx, now); err != nil {
			r.logger.Error("session maintenance failed", "conversation", s.ID(), "err", err)
		}
		switch {
		case r.switchedOff(ctx, s.ID()):
			r.evict(s.ID(), "switched off")
		case s.Kind() == KindPrivate && now.Sub(s.LastActive()) >= r.cfg.IdleTimeout:
			r.evict(s.ID(), "idle")
		}
	}
}

func (r *Registry) evict(id, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.evicts.Add(1)
	r.mu.Unlock()

	s, finish, _, ok := r.retire(id, nil, false)
	if !ok {
		r.evicts.Done()
		return
	}
	go func() {
		defer r.evicts.Done()
		defer finish()
		if s == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		defer cancel()
		if err := r.stopAndSave(ctx, s); err != nil {
			r.logger.Error("evicted session save failed", "conversation", id, "err", err)
			return
		}
		r.logger.Info("session evicted", "conversation", id, "reason", reason)
	}()
}

// Close saves and disables every session and cancels their context. It
// waits for running fetches, memory builds and evictions, or until ctx is
// done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var all []*Session
	for _, sl := range r.slots {
		if sl.session != nil && sl.retired == nil {
			all = append(all, sl.session)
		}
	}
	r.slots = make(map[string]*slot)
	r.mu.Unlock()

	for _, s := range all {
		s.Disable()
	}
	var errs []error
	for _, s := range all {
		if err := r.stopAndSave(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}

	evicted := make(chan struct{})
	go func() {
		r.evicts.Wait()
		close(evicted)
	}()
	if err := waitFor(ctx, evicted); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	return errors.Join(errs...)
}
