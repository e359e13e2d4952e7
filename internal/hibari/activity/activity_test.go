package activity_test

import (
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/activity"
)

var base = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestTracker_CountsWithinWindow(t *testing.T) {
	tr := activity.NewTracker(10 * time.Minute)
	for i := 0; i < 5; i++ {
		tr.Record("!room", base.Add(time.Duration(i)*time.Minute))
	}
	if got := tr.Score("!room", base.Add(5*time.Minute)); got != 5 {
		t.Errorf("Score = %v, want 5", got)
	}
	// The first two fall out of the window.
	if got := tr.Score("!room", base.Add(11*time.Minute+time.Second)); got != 3 {
		t.Errorf("Score after expiry = %v, want 3", got)
	}
	if got := tr.Score("!room", base.Add(time.Hour)); got != 0 {
		t.Errorf("Score after window = %v, want 0", got)
	}
}

func TestTracker_IndependentConversations(t *testing.T) {
	tr := activity.NewTracker(0)
	tr.Record("a", base)
	tr.Record("a", base)
	tr.Record("b", base)
	if got := tr.Score("a", base); got != 2 {
		t.Errorf("a = %v", got)
	}
	if got := tr.Score("b", base); got != 1 {
		t.Errorf("b = %v", got)
	}
}

func TestTracker_ConcurrentRecord(t *testing.T) {
	tr := activity.NewTracker(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("room", base)
		}()
	}
	wg.Wait()
	if got := tr.Score("room", base); got != 50 {
		t.Errorf("Score = %v, want 50", got)
	}
}
