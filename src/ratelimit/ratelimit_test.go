package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimstack.io/grim/src/jobs"
)

func newTestLimiter() (*Limiter, *time.Time) {
	now := time.Date(2024, time.August, 1, 12, 0, 0, 0, time.UTC)
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestHit(t *testing.T) {
	l, now := newTestLimiter()
	window := 2 * time.Minute

	for i := 0; i < 3; i++ {
		limited, _ := l.Hit("create:3", 3, window)
		assert.False(t, limited, "hit %d", i+1)
	}

	limited, remaining := l.Hit("create:3", 3, window)
	assert.True(t, limited)
	assert.Equal(t, window, remaining)

	*now = now.Add(time.Minute)
	limited, remaining = l.Hit("create:3", 3, window)
	assert.True(t, limited)
	assert.Equal(t, time.Minute, remaining)

	t.Run("other keys are independent", func(t *testing.T) {
		limited, _ := l.Hit("create:4", 3, window)
		assert.False(t, limited)
	})

	t.Run("repeat offenders wait longer", func(t *testing.T) {
		*now = now.Add(time.Minute)
		for i := 0; i < 3; i++ {
			limited, _ := l.Hit("create:3", 3, window)
			require.False(t, limited)
		}
		limited, remaining := l.Hit("create:3", 3, window)
		assert.True(t, limited)
		assert.Equal(t, 2*window, remaining)
	})

	t.Run("a quiet window resets", func(t *testing.T) {
		*now = now.Add(2*window + window)
		for i := 0; i < 3; i++ {
			limited, _ := l.Hit("create:3", 3, window)
			require.False(t, limited)
		}
		limited, remaining := l.Hit("create:3", 3, window)
		assert.True(t, limited)
		assert.Equal(t, window, remaining)
	})

	t.Run("window rolls over", func(t *testing.T) {
		l, now := newTestLimiter()
		for i := 0; i < 10; i++ {
			limited, _ := l.Hit("edit:3", 3, window)
			assert.False(t, limited)
			if i%3 == 2 {
				*now = now.Add(window)
			}
		}
	})
}

func TestConcurrentHits(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limited, _ := l.Hit("k", 10, time.Hour); !limited {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestPrune(t *testing.T) {
	l, now := newTestLimiter()
	l.Hit("old", 3, time.Minute)
	*now = now.Add(time.Hour)
	l.Hit("new", 3, time.Minute)

	assert.Equal(t, 1, l.Prune(30*time.Minute))
	assert.Equal(t, 1, l.Size())

	limited, _ := l.Hit("new", 3, time.Minute)
	assert.False(t, limited)
}

func TestRunPruner(t *testing.T) {
	l, now := newTestLimiter()
	l.Hit("old", 3, time.Minute)
	*now = now.Add(time.Hour)

	job := l.RunPruner(time.Hour, time.Minute)
	assert.Eventually(t, func() bool { return l.Size() == 0 }, time.Second, time.Millisecond*10)
	assert.Empty(t, jobs.Jobs{job}.CancelAndWait(time.Second))
}
