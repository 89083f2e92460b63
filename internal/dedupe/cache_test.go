// ABOUTME: Tests for the message id dedupe cache.
// ABOUTME: Uses a fake clock to check expiry, capacity eviction, and sweeping.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return newCache(ttl, size, clock.Now), clock
}

func TestCheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.CheckAndMark("msg-1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("msg-1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("msg-2"))
}

func TestCheckAndMarkExpiry(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("msg-1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.CheckAndMark("msg-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.CheckAndMark("msg-1"), "expired ids are new again")
	assert.True(t, c.CheckAndMark("msg-1"))
}

func TestCapacityEvictsOldest(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := 0; i < 4; i++ {
		c.CheckAndMark(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("msg-0"), "oldest id was evicted")
	assert.True(t, c.CheckAndMark("msg-3"))
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("old")
	clock.Advance(30 * time.Second)
	c.CheckAndMark("new")
	clock.Advance(45 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.CheckAndMark("new"))
}

func TestDefaultsAndClose(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	assert.Equal(t, DefaultMaxSize, c.maxSize)

	c.CheckAndMark("x")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
}

func TestConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same-id") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}
