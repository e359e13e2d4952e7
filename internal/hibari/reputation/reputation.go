// Package reputation keeps a favorability score per user. The model nudges
// it through judgments; the score feeds the reply probability and is shown in
// the system prompt.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxScore bounds a single judgment on either side.
	MaxScore = 2
	// ScoreUnit converts a judgment score into a favorability delta.
	ScoreUnit = 0.0002
	// DailyLimit caps the absolute sum of one day's judgments for a user.
	DailyLimit = 0.005
	// JudgeCooldown separates two judgments of the same user.
	JudgeCooldown = time.Hour
)

var (
	ErrCooldown     = errors.New("user judged too recently")
	ErrDailyLimit   = errors.New("daily judgment limit reached")
	ErrUserNotFound = errors.New("user not found")
)

// Profile is the persisted reputation of one user.
type Profile struct {
	UserID         string
	Favorability   float64
	LastJudgedAt   time.Time
	DailyJudgement float64
	Description    string
}

// Store persists profiles. LoadProfile returns found=false and a nil error
// for unknown users.
type Store interface {
	LoadProfile(ctx context.Context, userID string) (p Profile, found bool, err error)
	SaveProfile(ctx context.Context, p Profile) error
}

// Service is safe for concurrent use.
type Service struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewService wires a Service. now and logger may be nil.
func NewService(s Store, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, now: now, logger: logger.With("component", "reputation")}
}

// Profile returns the profile of userID, or an empty one for unknown users.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	p, found, err := s.store.LoadProfile(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if !found {
		return Profile{UserID: userID}, nil
	}
	return p, nil
}

// Favorability returns the favorability of userID (0 for unknown users).
func (s *Service) Favorability(ctx context.Context, userID string) (float64, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Favorability, nil
}

// Judge applies a judgment to userID. The score is clamped to
// [-MaxScore, MaxScore] and scaled by ScoreUnit. A user can be judged once
// per JudgeCooldown, and the day's accumulated delta may not exceed
// DailyLimit in absolute value. It returns the applied delta.
func (s *Service) Judge(ctx context.Context, userID string, score int, reason string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if !p.LastJudgedAt.IsZero() && now.Sub(p.LastJudgedAt) < JudgeCooldown {
		return 0, ErrCooldown
	}
	daily := p.DailyJudgement
	if !sameDay(p.LastJudgedAt, now) {
		daily = 0
	}
	score = max(-MaxScore, min(MaxScore, score))
	delta := float64(score) * ScoreUnit
	if abs(daily+delta) > DailyLimit {
		return 0, ErrDailyLimit
	}

	p.LastJudgedAt = now
	p.DailyJudgement = daily + delta
	p.Favorability += delta
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return 0, fmt.Errorf("save profile %s: %w", userID, err)
	}
	s.logger.Info("user judged", "user", userID, "score", score, "reason", reason, "delta", delta)
	return delta, nil
}

// JudgeNickname resolves nickname through users (nickname to user id) and
// judges the result.
func (s *Service) JudgeNickname(ctx context.Context, users map[string]string, nickname string, score int, reason string) (float64, error) {
	userID, ok := users[nickname]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUserNotFound, nickname)
	}
	return s.Judge(ctx, userID, score, reason)
}

// Describe replaces the free-text profile of userID.
func (s *Service) Describe(ctx context.Context, userID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	p.Description = description
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return fmt.Errorf("save profile %s: %w", userID, err)
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
