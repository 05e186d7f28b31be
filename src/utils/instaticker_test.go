package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstaTicker(t *testing.T) {
	t.Run("normal behavior", func(t *testing.T) {
		it := NewInstaTicker(time.Millisecond * 200)
		var mu sync.Mutex
		var ticks []time.Time
		numTicks := func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(ticks)
		}
		go func() {
			for tick := range it.C {
				mu.Lock()
				ticks = append(ticks, tick)
				mu.Unlock()
			}
		}()
		time.Sleep(time.Millisecond * 500)
		assert.Equal(t, 3, numTicks())

		it.Stop()
		time.Sleep(time.Millisecond * 500)
		assert.Equal(t, 3, numTicks())

		select {
		case <-it.C:
			assert.Fail(t, "No more ticks should be received after stop")
		default:
		}
	})
	t.Run("stop", func(t *testing.T) {
		t.Run("never consumed a tick", func(t *testing.T) {
			it := NewInstaTicker(time.Second * 100)
			it.Stop()
		})
		t.Run("consumed initial tick", func(t *testing.T) {
			it := NewInstaTicker(time.Millisecond * 50)
			<-it.C
			it.Stop()
		})
		t.Run("consumed one ticker tick", func(t *testing.T) {
			it := NewInstaTicker(time.Millisecond * 50)
			<-it.C
			<-it.C
			it.Stop()
		})
		t.Run("twice", func(t *testing.T) {
			it := NewInstaTicker(time.Millisecond * 50)
			it.Stop()
			assert.NotPanics(t, it.Stop)
		})
		t.Run("consumed two ticker ticks", func(t *testing.T) {
			it := NewInstaTicker(time.Millisecond * 50)
			<-it.C
			<-it.C
			<-it.C
			it.Stop()
		})
	})
}
