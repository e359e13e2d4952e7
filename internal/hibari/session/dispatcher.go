package session

import (
	"context"
	"strings"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

// run is the consumer loop. It exits once the session is disabled or ctx is
// done.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if s.Disabled() {
			return
		}
		if s.step(ctx) {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)
		select {
		case <-s.queue.wake:
		case <-timer.C:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// step processes one queued item and reports whether there was one.
func (s *Session) step(ctx context.Context) bool {
	it, ok := s.queue.pop()
	if !ok {
		return false
	}

	var mode TriggerMode
	switch it.Kind {
	case ItemMessage:
		mode = s.ingestMessage(ctx, it.Message)
	case ItemEvent:
		mode = s.ingestEvent(it.Event)
	}

	s.mu.Lock()
	blocked := s.blocked
	s.mu.Unlock()

	if blocked {
		return true
	}
	if mode == TriggerAll || (mode == TriggerProbability && s.queue.len() == 0) {
		important := mode == TriggerAll
		s.spawn(func() { s.generateReply(s.ctx, important) })
	}
	return true
}

// ingestMessage applies the chat policy, appends the rendered message to the
// window, caches it and returns its trigger mode.
func (s *Session) ingestMessage(ctx context.Context, m Message) TriggerMode {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.deps.Now()
	}
	if m.Mentioned && !strings.Contains(m.Content, "@"+s.cfg.AssistantName) {
		m.Content = "@" + s.cfg.AssistantName + " " + m.Content
	}
	self := s.key.Platform != nil && m.Sender == s.key.Platform.SelfID()

	policy := s.policy(ctx)
	blocked := policy.Disabled || policy.Blocks(m.Sender, m.Content)
	if blocked {
		s.logger.Debug("message dropped", "sender", m.Sender, "err", ErrBlocked)
	}
	if s.deps.Activity != nil && !self {
		s.deps.Activity.Record(s.key.ID, m.Timestamp)
	}

	s.mu.Lock()
	s.blocked = blocked
	if !blocked {
		s.window.Append(llm.Text(llm.RoleUser, RenderMessage(m)))
		if !self {
			s.accumulated += SignalLength(m.Content)
		}
	}
	s.cached = append(s.cached, CachedMessage{
		Sender:     m.Sender,
		SenderName: m.SenderName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		MessageID:  m.PlatformMessageID,
		Self:       self,
	})
	s.onCachedLocked()
	s.mu.Unlock()

	if m.Mentioned {
		return TriggerAll
	}
	return TriggerProbability
}

func (s *Session) ingestEvent(e Event) TriggerMode {
	s.mu.Lock()
	s.window.Append(llm.Text(llm.RoleUser, RenderEvent(s.deps.Now(), e.Text)))
	s.mu.Unlock()
	return e.Mode
}

// onCachedLocked trims the cache, recomputes hotness and schedules a memory
// build when enough messages piled up. Callers hold mu.
func (s *Session) onCachedLocked() {
	if over := len(s.cached) - s.cfg.MaxCached; over > 0 {
		s.cached = append([]CachedMessage(nil), s.cached[over:]...)
	}
	now := s.deps.Now()
	s.hotness = s.variant.Hotness(now, s.cached)
	s.lastActive = now

	s.sinceMemoryBuild++
	if s.sinceMemoryBuild >= s.cfg.MemoryBuildEvery {
		s.sinceMemoryBuild = 0
		text := transcript(s.cached)
		s.spawn(func() { s.buildMemory(s.ctx, text) })
	}
}

func (s *Session) policy(ctx context.Context) store.ChatPolicy {
	if s.deps.Policies == nil {
		return store.ChatPolicy{}
	}
	p, err := s.deps.Policies.LoadPolicy(ctx, s.key.ID)
	if err != nil {
		s.logger.Warn("chat policy unavailable", "err", err)
		return store.ChatPolicy{}
	}
	return p
}

// transcript renders cached messages one per line.
func transcript(cached []CachedMessage) string {
	var b strings.Builder
	for _, m := range cached {
		b.WriteString("[")
		b.WriteString(m.Timestamp.Format(clockLayout))
		b.WriteString("][")
		b.WriteString(m.SenderName)
		b.WriteString("]: ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// buildMemory feeds a transcript to the memory graph and persists it. Only
// one build runs at a time per session; overlapping requests are dropped.
func (s *Session) buildMemory(ctx context.Context, text string) {
	if s.deps.Provider == nil || !s.building.CompareAndSwap(false, true) {
		return
	}
	defer s.building.Store(false)

	topics, err := s.graph.BuildFromText(ctx, text, s.cfg.CompressRate)
	if err != nil {
		s.logger.Error("memory build failed", "err", err)
		return
	}
	s.logger.Info("memory built", "topics", topics)
	if s.deps.Graphs == nil {
		return
	}
	if err := s.graph.Save(ctx, s.deps.Graphs); err != nil {
		s.logger.Error("memory save failed", "err", err)
	}
}
