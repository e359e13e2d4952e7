package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bdobrica/Hibari/internal/hibari/reputation"
)

// LoadProfile returns the reputation profile of userID. When the user has
// none, found is false and err is nil.
func (s *Store) LoadProfile(ctx context.Context, userID string) (p reputation.Profile, found bool, err error) {
	var (
		lastJudged  sql.NullTime
		description sql.NullString
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, favorability, last_judged_at, daily_judgement, profile
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Favorability, &lastJudged, &p.DailyJudgement, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.Profile{}, false, nil
	}
	if err != nil {
		return reputation.Profile{}, false, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if lastJudged.Valid {
		p.LastJudgedAt = lastJudged.Time
	}
	p.Description = description.String
	return p, true, nil
}

// SaveProfile upserts a reputation profile.
func (s *Store) SaveProfile(ctx context.Context, p reputation.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, favorability, last_judged_at, daily_judgement, profile, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			favorability    = excluded.favorability,
			last_judged_at  = excluded.last_judged_at,
			daily_judgement = excluded.daily_judgement,
			profile         = excluded.profile,
			updated_at      = excluded.updated_at
	`, p.UserID, p.Favorability, nullableTime(p.LastJudgedAt), p.DailyJudgement, nullableString(p.Description))
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.UserID, err)
	}
	return nil
}

var _ reputation.Store = (*Store)(nil)
