// Package status tracks the assistant's mood and current activity, which the
// model updates through its analysis output and which appear in every system
// prompt.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mood is one of the fixed moods the model may report.
type Mood string

const (
	Joy          Mood = "joy"
	Sadness      Mood = "sadness"
	Anger        Mood = "anger"
	Fear         Mood = "fear"
	Surprise     Mood = "surprise"
	Disgust      Mood = "disgust"
	Trust        Mood = "trust"
	Anticipation Mood = "anticipation"
	Calm         Mood = "calm"
	Bored        Mood = "bored"
	Confused     Mood = "confused"
	Tired        Mood = "tired"
	Shy          Mood = "shy"
)

// Moods lists every valid mood.
var Moods = []Mood{Joy, Sadness, Anger, Fear, Surprise, Disgust, Trust, Anticipation, Calm, Bored, Confused, Tired, Shy}

const (
	// MoodCooldown is the minimum time between two mood changes, unless
	// the current mood is calm.
	MoodCooldown = 5 * time.Minute
	// DefaultActivityMinutes applies when an activity has no duration.
	DefaultActivityMinutes = 10
	// IdleActivity is reported when no activity is running.
	IdleActivity = "daze"
)

// ErrMoodCooldown is returned by SetMood while the previous change is fresh.
var ErrMoodCooldown = errors.New("mood changed too recently")

// ParseMood validates s.
func ParseMood(s string) (Mood, error) {
	for _, m := range Moods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mood %q", s)
}

// Status is a point-in-time view of the manager.
type Status struct {
	Mood             Mood
	MoodReason       string
	Activity         string
	RemainingMinutes int
}

// Manager is safe for concurrent use. One Manager is shared by every session.
type Manager struct {
	now func() time.Time

	mu             sync.Mutex
	mood           Mood
	moodReason     string
	moodChangedAt  time.Time
	activity       string
	activityExpiry time.Time
}

// NewManager starts calm and idle. now may be nil.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Manager{
		now:            now,
		mood:           Calm,
		moodChangedAt:  t,
		activity:       IdleActivity,
		activityExpiry: t.Add(DefaultActivityMinutes * time.Minute),
	}
}

// SetMood changes the mood. It fails with ErrMoodCooldown when the last
// change happened less than MoodCooldown ago and the current mood is not
// calm.
func (m *Manager) SetMood(mood Mood, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.moodChangedAt) < MoodCooldown && m.mood != Calm {
		return ErrMoodCooldown
	}
	m.mood = mood
	m.moodReason = reason
	m.moodChangedAt = now
	return nil
}

// SetActivity records what the assistant is doing for the next minutes.
// Non-positive minutes mean DefaultActivityMinutes.
func (m *Manager) SetActivity(activity string, minutes int) {
	if minutes <= 0 {
		minutes = DefaultActivityMinutes
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = activity
	m.activityExpiry = m.now().Add(time.Duration(minutes) * time.Minute)
}

// Status reports the current mood and activity. Expired activities read as
// IdleActivity with zero minutes left.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{Mood: m.mood, MoodReason: m.moodReason}
	now := m.now()
	if now.After(m.activityExpiry) {
		s.Activity = IdleActivity
		return s
	}
	s.Activity = m.activity
	s.RemainingMinutes = int(m.activityExpiry.Sub(now).Minutes())
	return s
}
