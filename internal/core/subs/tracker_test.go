package subs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/pkg/clock"
)

type fakeUpstream struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
}

func (f *fakeUpstream) Subscribe(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
}

func (f *fakeUpstream) Unsubscribe(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, topic)
}

func (f *fakeUpstream) counts() (subs, unsubs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...), append([]string(nil), f.unsubscribes...)
}

func newTestTracker(t *testing.T) (*Tracker, *fakeUpstream, *clock.Fake) {
	t.Helper()
	up := &fakeUpstream{}
	fake := clock.NewFake(time.Unix(0, 0))
	return New(up, 5*time.Second, log.NewNop(), fake), up, fake
}

func TestFirstWatcherSubscribesUpstreamOnce(t *testing.T) {
	tr, up, _ := newTestTracker(t)

	cancel1 := tr.Subscribe("tasks:1")
	cancel2 := tr.Subscribe("tasks:1")
	defer cancel1()
	defer cancel2()

	subs, _ := up.counts()
	assert.Equal(t, []string{"tasks:1"}, subs)
	assert.Equal(t, 2, tr.Refs("tasks:1"))
}

func TestUnsubscribeDelayedByGracePeriod(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	cancel := tr.Subscribe("tasks:1")
	cancel()

	_, unsubs := up.counts()
	assert.Empty(t, unsubs, "unsubscribe must wait out the grace period")

	fake.Advance(4 * time.Second)
	_, unsubs = up.counts()
	assert.Empty(t, unsubs)

	fake.Advance(time.Second)
	_, unsubs = up.counts()
	assert.Equal(t, []string{"tasks:1"}, unsubs)
	assert.Empty(t, tr.Topics())
}

func TestResubscribeWithinGraceCancelsUnsubscribe(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	cancel := tr.Subscribe("tasks:1")
	cancel()
	fake.Advance(3 * time.Second)

	cancel2 := tr.Subscribe("tasks:1")
	defer cancel2()

	fake.Advance(time.Minute)
	subs, unsubs := up.counts()
	assert.Equal(t, []string{"tasks:1"}, subs, "no second upstream subscribe")
	assert.Empty(t, unsubs, "pending unsubscribe was cancelled")
	assert.Equal(t, 1, tr.Refs("tasks:1"))
}

func TestLastOfManyWatchersArmsGrace(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	cancel1 := tr.Subscribe("tasks:1")
	cancel2 := tr.Subscribe("tasks:1")
	cancel3 := tr.Subscribe("tasks:1")

	cancel1()
	cancel2()
	fake.Advance(time.Minute)
	_, unsubs := up.counts()
	assert.Empty(t, unsubs, "a watcher remains")

	cancel3()
	fake.Advance(5 * time.Second)
	_, unsubs = up.counts()
	assert.Equal(t, []string{"tasks:1"}, unsubs)
}

func TestCancelIsIdempotent(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	cancel1 := tr.Subscribe("tasks:1")
	cancel2 := tr.Subscribe("tasks:1")
	defer cancel2()

	cancel1()
	cancel1()
	cancel1()

	fake.Advance(time.Minute)
	_, unsubs := up.counts()
	assert.Empty(t, unsubs, "double cancel must not release the other watcher's ref")
	assert.Equal(t, 1, tr.Refs("tasks:1"))
}

func TestSubscribeAfterExpiryResubscribes(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	cancel := tr.Subscribe("tasks:1")
	cancel()
	fake.Advance(5 * time.Second)

	cancel2 := tr.Subscribe("tasks:1")
	defer cancel2()

	subs, unsubs := up.counts()
	assert.Equal(t, []string{"tasks:1", "tasks:1"}, subs)
	assert.Equal(t, []string{"tasks:1"}, unsubs)
}

func TestClearUnsubscribesImmediately(t *testing.T) {
	tr, up, fake := newTestTracker(t)

	tr.Subscribe("tasks:1")
	tr.Subscribe("tasks:2")
	cancel := tr.Subscribe("tasks:3")
	cancel() // tasks:3 sits in its grace period

	tr.Clear()
	_, unsubs := up.counts()
	assert.ElementsMatch(t, []string{"tasks:1", "tasks:2", "tasks:3"}, unsubs)
	assert.Empty(t, tr.Topics())

	// Stopped grace timers must not fire a second unsubscribe.
	fake.Advance(time.Minute)
	_, unsubs = up.counts()
	assert.Len(t, unsubs, 3)

	require.Equal(t, 0, fake.PendingTimers())
}
