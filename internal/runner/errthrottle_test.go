package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tractor-project/blade/internal/model"
)

func TestErrThrottleTriggersTimedHiatus(t *testing.T) {
	e := newErrThrottle()
	now := time.Now()
	p := &model.Profile{RecentErrTrigger: 3, RecentErrHiatus: 30}

	for i := 0; i < 2; i++ {
		e.Record(now, 1, int64(i), p)
	}
	assert.False(t, e.HiatusActive(now))

	e.Record(now, 1, 99, p)
	assert.True(t, e.HiatusActive(now))
	assert.False(t, e.HiatusActive(now.Add(31*time.Second)), "hiatus must expire after its window")
}

func TestErrThrottleAutoNimby(t *testing.T) {
	e := newErrThrottle()
	now := time.Now()
	p := &model.Profile{RecentErrTrigger: 2, RecentErrHiatus: -1}

	e.Record(now, 1, 1, p)
	assert.False(t, e.AutoNimbyTriggered(now, p))

	e.Record(now, 1, 2, p)
	assert.True(t, e.AutoNimbyTriggered(now, p))
	assert.False(t, e.HiatusActive(now), "auto-nimby must not also set a timed hiatus")
}

func TestErrThrottlePrunesOldEvents(t *testing.T) {
	e := newErrThrottle()
	now := time.Now()
	p := &model.Profile{RecentErrTrigger: 2, RecentErrWindow: 10 * time.Second, RecentErrHiatus: 30}

	e.Record(now, 1, 1, p)
	later := now.Add(20 * time.Second)
	e.Record(later, 1, 2, p)

	assert.False(t, e.HiatusActive(later), "the first event should have fallen outside the window")
}

func TestErrThrottleDefaultsWhenNoProfile(t *testing.T) {
	e := newErrThrottle()
	now := time.Now()

	for i := 0; i < recentErrTrigger-1; i++ {
		e.Record(now, 1, int64(i), nil)
	}
	assert.False(t, e.HiatusActive(now))

	e.Record(now, 1, 999, nil)
	assert.True(t, e.HiatusActive(now))
}
