package session

import (
	"context"
	"fmt"
	"time"
)

// Timer is a reminder set by the model through the set_timer tool.
type Timer struct {
	ID          string
	Due         time.Time
	Description string
}

// AddTimer schedules a reminder. It fires as an event on the first
// ProcessTimer at or after due.
func (s *Session) AddTimer(due time.Time, description string) Timer {
	s.mu.Lock()
	s.timerSeq++
	t := Timer{
		ID:          fmt.Sprintf("%s_%d_%d", s.key.ID, due.Unix(), s.timerSeq),
		Due:         due,
		Description: description,
	}
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	s.logger.Info("timer set", "timer", t.ID, "due", due)
	return t
}

// Timers returns the pending timers.
func (s *Session) Timers() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Timer(nil), s.timers...)
}

// ProcessTimer is the periodic maintenance of a session: it expires the
// mute, fires due timers, saves the window and, in groups, answers a
// message nobody picked up. It never waits for a running reply fetch; the
// save is skipped until the next call instead.
func (s *Session) ProcessTimer(ctx context.Context) error {
	return s.processTimerAt(ctx, s.deps.Now())
}

func (s *Session) processTimerAt(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if !s.muteUntil.IsZero() && now.After(s.muteUntil) {
		s.muteUntil = time.Time{}
		s.logger.Info("session unmuted")
	}
	var due []Timer
	pending := s.timers[:0]
	for _, t := range s.timers {
		if !now.Before(t.Due) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	s.timers = pending
	s.mu.Unlock()

	for _, t := range due {
		text := fmt.Sprintf("your timer %q is due", t.Description)
		if err := s.PostEvent(text, TriggerAll); err != nil {
			return err
		}
	}

	if _, err := s.trySave(ctx); err != nil {
		return fmt.Errorf("save window: %w", err)
	}

	if s.variant.Kind() == KindGroup {
		s.proactiveReply(now)
	}
	return nil
}

// proactiveReply starts an important reply when the last cached message has
// gone unanswered for ProactiveAfter.
func (s *Session) proactiveReply(now time.Time) {
	s.mu.Lock()
	if s.blocked || s.disabled || len(s.cached) == 0 {
		s.mu.Unlock()
		return
	}
	last := s.cached[len(s.cached)-1]
	if last.Self || now.Sub(last.Timestamp) <= s.cfg.ProactiveAfter ||
		(s.lastHandled != nil && *s.lastHandled == last) {
		s.mu.Unlock()
		return
	}
	s.lastHandled = &last
	s.mu.Unlock()

	s.logger.Debug("proactive reply", "message", last.MessageID)
	s.spawn(func() { s.generateReply(s.ctx, true) })
}
