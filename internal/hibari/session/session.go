// Package session is the conversational core: one Session per chat decides
// whether, when and what to reply, keeping a rolling context window that
// survives restarts. A Registry owns the live sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/activity"
	"github.com/bdobrica/Hibari/internal/hibari/builtin"
	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/memory"
	"github.com/bdobrica/Hibari/internal/hibari/notes"
	"github.com/bdobrica/Hibari/internal/hibari/reputation"
	"github.com/bdobrica/Hibari/internal/hibari/status"
	"github.com/bdobrica/Hibari/internal/hibari/trigger"
)

// Config tunes every session. Zero fields take the defaults noted.
type Config struct {
	AssistantName string        // "Hibari"
	Model         string        // provider default when empty
	MaxEntries    int           // 50 window entries
	MaxCached     int           // 50 cached messages
	Cooldown      time.Duration // 5s between trigger attempts
	MuteDuration  time.Duration // 15m
	PollInterval  time.Duration // 3s idle wait of the consumer loop
	// TypingDelay is slept per rune before each outgoing fragment, capped
	// at MaxTypingDelay.
	TypingDelay    time.Duration
	MaxTypingDelay time.Duration // 5s
	MaxRetries     int           // 5 unusable chunks
	PrivateHotness float64       // 100
	ProactiveAfter time.Duration // 30s of group silence
	// MemoryBuildEvery cached messages the memory graph is fed. 50.
	MemoryBuildEvery int
	CompressRate     float64 // 0.1
	MaxMemories      int     // 5 activated memories in the prompt
}

func (c Config) withDefaults() Config {
	if c.AssistantName == "" {
		c.AssistantName = "Hibari"
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxCached <= 0 {
		c.MaxCached = 50
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.MuteDuration <= 0 {
		c.MuteDuration = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxTypingDelay <= 0 {
		c.MaxTypingDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.PrivateHotness <= 0 {
		c.PrivateHotness = DefaultPrivateHotness
	}
	if c.ProactiveAfter <= 0 {
		c.ProactiveAfter = 30 * time.Second
	}
	if c.MemoryBuildEvery <= 0 {
		c.MemoryBuildEvery = 50
	}
	if c.CompressRate <= 0 {
		c.CompressRate = 0.1
	}
	if c.MaxMemories <= 0 {
		c.MaxMemories = 5
	}
	return c
}

// Deps are the collaborators shared by all sessions. Only Provider is
// required; nil stores and services disable the features that need them.
type Deps struct {
	Provider   llm.Provider
	Windows    WindowStore
	Policies   PolicySource
	Graphs     memory.Store
	Notes      notes.Store
	Reputation *reputation.Service
	Status     *status.Manager
	Activity   *activity.Tracker
	Logger     *slog.Logger
	// Now and Rand default to time.Now and math/rand/v2.
	Now  func() time.Time
	Rand func() float64
}

// Key identifies a conversation and where it lives.
type Key struct {
	// ID is unique across platforms, e.g. "matrix:!room:example.org".
	ID   string
	Kind Kind
	// Target is the platform room or channel id messages are sent to.
	Target string
	// Peer is the other user of a private conversation.
	Peer     string
	Platform Platform
}

// State is the lifecycle state of a Session.
type State int

const (
	Active State = iota
	Muted
	Disabled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Muted:
		return "muted"
	case Disabled:
		return "disabled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FetchStats reports reply fetch activity.
type FetchStats struct {
	InFlight    int32
	MaxInFlight int32
	Total       int64
}

// Session is the per-conversation actor. Producers call HandleMessage and
// PostEvent from any goroutine; a single consumer loop processes the queue in
// order and starts reply fetches, at most one at a time.
type Session struct {
	key     Key
	cfg     Config
	deps    Deps
	variant Variant
	logger  *slog.Logger
	tools   *builtin.Registry
	graph   *memory.Graph
	notes   *notes.Manager

	queue    *queue
	fetchSem chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	start    sync.Once
	tasks    sync.WaitGroup
	building atomic.Bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	fetches     atomic.Int64

	// ctx is the long-lived context background work runs under.
	ctx context.Context

	mu               sync.Mutex
	window           *Window
	cached           []CachedMessage
	accumulated      int
	hotness          float64
	blocked          bool
	muteUntil        time.Time
	cooldownUntil    time.Time
	disabled         bool
	interactions     map[string]PendingInteraction
	timers           []Timer
	timerSeq         int
	lastActive       time.Time
	lastHandled      *CachedMessage
	interest         *float64
	sinceMemoryBuild int
}

// New builds a session. It does not load state or start the consumer loop;
// see Load and Start.
func New(key Key, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "conversation", key.ID)

	s := &Session{
		key:          key,
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		queue:        newQueue(),
		fetchSem:     make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		window:       NewWindow(cfg.MaxEntries),
		hotness:      1,
		interactions: make(map[string]PendingInteraction),
		lastActive:   deps.Now(),
	}
	switch key.Kind {
	case KindPrivate:
		s.variant = &privateVariant{key: key, hotness: cfg.PrivateHotness}
		s.hotness = cfg.PrivateHotness
	default:
		s.variant = &groupVariant{key: key, assistant: cfg.AssistantName, activity: deps.Activity}
	}
	s.graph = memory.NewGraph(key.ID, memory.Options{Provider: deps.Provider, Logger: deps.Logger, Now: deps.Now})
	if deps.Notes != nil {
		s.notes = notes.NewManager(deps.Notes, key.ID, deps.Now)
	}
	s.tools = s.newTools()
	return s
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.key.ID }

// Key returns the key the session was created with.
func (s *Session) Key() Key { return s.key }

// Kind reports whether the session is a group or private chat.
func (s *Session) Kind() Kind { return s.variant.Kind() }

// Load restores the persisted window and memory graph.
func (s *Session) Load(ctx context.Context) error {
	if s.deps.Windows != nil {
		msgs, err := s.deps.Windows.LoadWindow(ctx, s.key.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransientGateway, err)
		}
		s.mu.Lock()
		s.window.Replace(msgs)
		s.mu.Unlock()
		if len(msgs) > 0 {
			s.logger.Info("window restored", "entries", len(msgs))
		}
	}
	if s.deps.Graphs != nil {
		if err := s.graph.Load(ctx, s.deps.Graphs); err != nil {
			return fmt.Errorf("%w: %v", ErrTransientGateway, err)
		}
	}
	return nil
}

// Start launches the consumer loop. ctx bounds the loop and every fetch the
// session starts. Calling Start again is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.start.Do(func() {
		s.ctx = ctx
		go s.run(ctx)
	})
}

// Done is closed when the consumer loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until every fetch and memory build the session started has
// finished.
func (s *Session) Wait() { s.tasks.Wait() }

// spawn runs fn in a tracked goroutine.
func (s *Session) spawn(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// HandleMessage enqueues an inbound message.
func (s *Session) HandleMessage(m Message) error {
	if s.Disabled() {
		return ErrDisabled
	}
	s.queue.push(Item{Kind: ItemMessage, Message: m})
	return nil
}

// PostEvent enqueues a synthetic event.
func (s *Session) PostEvent(text string, mode TriggerMode) error {
	if s.Disabled() {
		return ErrDisabled
	}
	s.queue.push(Item{Kind: ItemEvent, Event: Event{Text: text, Mode: mode}})
	return nil
}

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.disabled:
		return Disabled
	case !s.muteUntil.IsZero():
		return Muted
	}
	return Active
}

// Mute silences the session for the configured mute duration. Mute expiry
// is applied by ProcessTimer.
func (s *Session) Mute() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return time.Time{}
	}
	s.muteUntil = s.deps.Now().Add(s.cfg.MuteDuration)
	s.logger.Info("session muted", "until", s.muteUntil)
	return s.muteUntil
}

// Unmute lifts a mute before it expires.
func (s *Session) Unmute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.muteUntil.IsZero() {
		s.muteUntil = time.Time{}
		s.logger.Info("session unmuted")
	}
}

// Desire is a point-in-time view of how eager the session is to speak.
type Desire struct {
	State       State
	MuteUntil   time.Time
	Accumulated int
	Hotness     float64
	// Probability leaves hotness out, so groups and private chats compare.
	Probability float64
}

// Desire reports the session's trigger inputs.
func (s *Session) Desire(ctx context.Context) Desire {
	s.mu.Lock()
	d := Desire{
		State:       s.stateLocked(),
		MuteUntil:   s.muteUntil,
		Accumulated: s.accumulated,
		Hotness:     s.hotness,
	}
	s.mu.Unlock()
	d.Probability = s.Probability(ctx, 0, false)
	return d
}

// Disable stops the session for good. The consumer loop exits at its next
// pop; fetches already running finish.
func (s *Session) Disable() {
	s.mu.Lock()
	s.disabled = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// Disabled reports whether Disable was called.
func (s *Session) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// LastActive returns the time of the last message handled or sent.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Accumulated returns the unconsumed text length.
func (s *Session) Accumulated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

// Hotness returns the current probability coefficient.
func (s *Session) Hotness() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hotness
}

// Interest returns the last interest level the model reported.
func (s *Session) Interest() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interest == nil {
		return 0, false
	}
	return *s.interest, true
}

// Window returns a copy of the rolling window.
func (s *Session) Window() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Entries()
}

// CachedMessages returns a copy of the cached messages, oldest first.
func (s *Session) CachedMessages() []CachedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CachedMessage(nil), s.cached...)
}

// FetchStats reports fetch concurrency counters.
func (s *Session) FetchStats() FetchStats {
	return FetchStats{
		InFlight:    s.inFlight.Load(),
		MaxInFlight: s.maxInFlight.Load(),
		Total:       s.fetches.Load(),
	}
}

// Save persists the rolling window. It waits for a running fetch so the
// saved window is never the partial one a fetch works on.
func (s *Session) Save(ctx context.Context) error {
	if s.deps.Windows == nil {
		return nil
	}
	select {
	case s.fetchSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.saveHeld(ctx)
}

// trySave is Save without the wait: while a fetch runs it saves nothing and
// reports false.
func (s *Session) trySave(ctx context.Context) (bool, error) {
	if s.deps.Windows == nil {
		return true, nil
	}
	select {
	case s.fetchSem <- struct{}{}:
	default:
		s.logger.Debug("window save deferred, fetch in flight")
		return false, nil
	}
	return true, s.saveHeld(ctx)
}

// saveHeld writes the window. The caller holds fetchSem; it is released
// before the store write.
func (s *Session) saveHeld(ctx context.Context) error {
	s.mu.Lock()
	msgs := s.window.Entries()
	s.mu.Unlock()
	<-s.fetchSem

	if err := s.deps.Windows.SaveWindow(ctx, s.key.ID, msgs); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientGateway, err)
	}
	return nil
}

// Probability returns the chance that a probabilistic trigger fires now.
// lengthAdjustment is added to the accumulated length; applyHotness selects
// whether the hotness coefficient is applied.
func (s *Session) Probability(ctx context.Context, lengthAdjustment int, applyHotness bool) float64 {
	s.mu.Lock()
	acc := s.accumulated
	hot := s.hotness
	cached := append([]CachedMessage(nil), s.cached...)
	s.mu.Unlock()

	h := 1.0
	if applyHotness {
		h = hot
	}
	mod := 1.0
	if len(cached) > 0 {
		mod = trigger.FavorabilityModifier(s.averageFavorability(ctx, cached))
	}
	return trigger.Final(trigger.Base(acc+lengthAdjustment), h, mod)
}

// averageFavorability sums the favorability of the non-self senders of the
// cached messages and divides by the number of cached messages.
func (s *Session) averageFavorability(ctx context.Context, cached []CachedMessage) float64 {
	if s.deps.Reputation == nil || len(cached) == 0 {
		return 0
	}
	seen := make(map[string]float64)
	sum := 0.0
	for _, m := range cached {
		if m.Self {
			continue
		}
		fav, ok := seen[m.Sender]
		if !ok {
			var err error
			fav, err = s.deps.Reputation.Favorability(ctx, m.Sender)
			if err != nil {
				s.logger.Warn("favorability lookup failed", "user", m.Sender, "err", err)
			}
			seen[m.Sender] = fav
		}
		sum += fav
	}
	return sum / float64(len(cached))
}

// ForgetMemories runs memory decay on the live graph and persists it. Live
// sessions must be decayed here rather than in the store, or their next save
// would bring the forgotten memories back.
func (s *Session) ForgetMemories(ctx context.Context, ratio float64, now time.Time) (int, error) {
	n := s.graph.Forget(ratio, now)
	if n == 0 || s.deps.Graphs == nil {
		return n, nil
	}
	if err := s.graph.Save(ctx, s.deps.Graphs); err != nil {
		return n, fmt.Errorf("%w: %v", ErrTransientGateway, err)
	}
	return n, nil
}
