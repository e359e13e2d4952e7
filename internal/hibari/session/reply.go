package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bdobrica/Hibari/common/retry"
	"github.com/bdobrica/Hibari/common/trace"
	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/observability"
	"github.com/bdobrica/Hibari/internal/hibari/status"
	"github.com/bdobrica/Hibari/internal/hibari/trigger"
)

// generateReply decides whether to fetch a reply now. important replies skip
// the random draw.
func (s *Session) generateReply(ctx context.Context, important bool) {
	now := s.deps.Now()

	s.mu.Lock()
	if s.disabled || !s.muteUntil.IsZero() || now.Before(s.cooldownUntil) {
		s.mu.Unlock()
		return
	}
	last, ok := s.window.Last()
	if !ok || last.Role != llm.RoleUser {
		s.mu.Unlock()
		return
	}
	s.cooldownUntil = now.Add(s.cfg.Cooldown)
	s.mu.Unlock()

	if !important {
		p := s.Probability(ctx, 0, true)
		draw := s.deps.Rand()
		s.logger.Debug("reply draw", "probability", p, "draw", draw, "accumulated", s.Accumulated())
		if !trigger.Fires(p, draw) {
			return
		}
	}

	if err := s.fetch(ctx); err != nil {
		s.logger.Error("reply fetch failed", "err", err, "important", important)
	}
}

type fetchState int

const (
	fetchStreaming fetchState = iota
	fetchParsing
	fetchSuccess
	fetchRetry
	fetchAborted
)

func (f fetchState) String() string {
	return [...]string{"streaming", "parsing", "success", "retry", "aborted"}[f]
}

// fetch runs one reply fetch. Only one runs at a time per session; a second
// caller waits for the first to finish. During the fetch the live window
// only collects what arrives meanwhile: on success it is appended to the
// exchange transcript, on failure to the pre-fetch snapshot, so nothing is
// lost or duplicated.
func (s *Session) fetch(ctx context.Context) error {
	select {
	case s.fetchSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.fetchSem }()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx, s.logger)

	s.mu.Lock()
	snapshot := s.window.Entries()
	prepared := PrepareContext(snapshot, s.cfg.MaxEntries)
	if len(prepared) == 0 || prepared[len(prepared)-1].Role == llm.RoleAssistant {
		s.mu.Unlock()
		log.Debug("fetch skipped", "entries", len(prepared))
		return nil
	}
	s.window.Reset()
	s.mu.Unlock()
	s.fetches.Add(1)

	prompt := s.systemPrompt(ctx, prepared)
	ex := llm.NewExchange(s.deps.Provider, append([]llm.Message{llm.Text(llm.RoleSystem, prompt)}, prepared...), llm.ExchangeOptions{
		Model:  s.cfg.Model,
		Tools:  s.tools,
		Logger: log,
		BeforeToolCall: func(_ context.Context, call llm.ToolCall) {
			log.Info("tool call", "tool", call.Function.Name)
		},
	})

	started := time.Now()
	err := s.stream(ctx, ex, log)

	s.mu.Lock()
	arrived := s.window.Entries()
	if err == nil {
		s.window.Replace(append(ex.Messages()[1:], arrived...))
	} else {
		s.window.Replace(append(snapshot, arrived...))
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("fetch rolled back", "err", err, "rounds", ex.Rounds())
		return err
	}
	log.Info("fetch finished", "rounds", ex.Rounds(), "duration", time.Since(started))
	return nil
}

// stream consumes the exchange chunk by chunk. Unusable chunks earn a
// corrective note and another round until MaxRetries is exceeded.
func (s *Session) stream(ctx context.Context, ex *llm.Exchange, log *slog.Logger) error {
	var (
		state    = fetchStreaming
		chunk    string
		analysis *Analysis
		parseErr error
		err      error
		retries  int
	)
	for {
		switch state {
		case fetchStreaming:
			chunk, err = ex.Next(ctx)
			switch {
			case errors.Is(err, io.EOF):
				state = fetchSuccess
			case err != nil:
				err = fmt.Errorf("%w: %v", ErrTransientGateway, err)
				state = fetchAborted
			default:
				state = fetchParsing
			}

		case fetchParsing:
			analysis, parseErr = ParseAnalysis(chunk)
			if parseErr != nil {
				state = fetchRetry
				continue
			}
			s.apply(ctx, analysis, log)
			state = fetchStreaming

		case fetchRetry:
			retries++
			log.Warn("unusable model output", "attempt", retries, "err", parseErr)
			if retries > s.cfg.MaxRetries {
				err = fmt.Errorf("%w after %d attempts: %v", ErrMalformedOutput, retries, parseErr)
				state = fetchAborted
				continue
			}
			ex.Insert(llm.Text(llm.RoleUser, correctiveNote(s.deps.Now(), parseErr)))
			state = fetchStreaming

		case fetchSuccess:
			return nil

		case fetchAborted:
			return err
		}
	}
}

func correctiveNote(at time.Time, err error) string {
	return RenderEvent(at, fmt.Sprintf(
		"your last reply could not be used (%v). Answer again with exactly one JSON object in the required format.", err))
}

// apply carries out one analysis: status updates, favorability judgment,
// interest, then the outgoing messages in order.
func (s *Session) apply(ctx context.Context, a *Analysis, log *slog.Logger) {
	if s.deps.Status != nil {
		if a.Activity != nil && a.Activity.Content != "" {
			s.deps.Status.SetActivity(a.Activity.Content, a.Activity.Duration)
		}
		if a.Mood != "" {
			if mood, err := status.ParseMood(a.Mood); err != nil {
				log.Warn("mood ignored", "err", err)
			} else if err := s.deps.Status.SetMood(mood, a.MoodReason); err != nil {
				log.Info("mood unchanged", "mood", mood, "err", err)
			}
		}
	}

	var users map[string]string
	if a.FavorabilityJudge != nil && s.deps.Reputation != nil {
		users = s.variant.Users(ctx, s.CachedMessages())
		j := a.FavorabilityJudge
		delta, err := s.deps.Reputation.JudgeNickname(ctx, users, j.Target, j.Score, j.Reason)
		if err != nil {
			log.Info("judgment rejected", "target", j.Target, "err", err)
		} else {
			log.Info("judgment applied", "target", j.Target, "delta", delta)
		}
	}

	if a.Interest != nil {
		v := *a.Interest
		s.mu.Lock()
		s.interest = &v
		s.mu.Unlock()
	}

	if len(a.Messages) == 0 {
		return
	}
	if users == nil && s.variant.Kind() == KindGroup {
		users = s.variant.Users(ctx, s.CachedMessages())
	}
	lastReply := ""
	for _, m := range a.Messages {
		replyTo := m.ReplyTo
		if replyTo != "" && replyTo == lastReply {
			replyTo = ""
		}
		lastReply = m.ReplyTo
		if err := s.send(ctx, s.variant.FormatOutgoing(m.Content, users), replyTo); err != nil {
			log.Error("send failed", "err", err)
		}
	}
}

// send posts one fragment after a typing delay and records it as the
// assistant's own cached message.
func (s *Session) send(ctx context.Context, content, replyTo string) error {
	if content == "" || s.key.Platform == nil {
		return nil
	}
	if d := s.typingDelay(content); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var id string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		Logger:       s.logger,
	}, func() error {
		var err error
		id, err = s.key.Platform.Send(ctx, s.key.Target, content, replyTo)
		return err
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", s.key.Target, err)
	}

	now := s.deps.Now()
	s.mu.Lock()
	s.accumulated = 0
	s.cached = append(s.cached, CachedMessage{
		Sender:     s.key.Platform.SelfID(),
		SenderName: s.cfg.AssistantName,
		Content:    content,
		Timestamp:  now,
		MessageID:  id,
		Self:       true,
	})
	s.onCachedLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) typingDelay(content string) time.Duration {
	if s.cfg.TypingDelay <= 0 {
		return 0
	}
	return min(time.Duration(len([]rune(content)))*s.cfg.TypingDelay, s.cfg.MaxTypingDelay)
}
