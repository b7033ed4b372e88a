package runner

import (
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// errThrottle implements spec §4.6's "Error throttle": a deque of
// recent (timestamp, jid, cid) events, windowed and trigger-counted.
type errThrottle struct {
	events       []model.ErrEvent
	hiatusUntil  time.Time
	hiatusActive bool
}

func newErrThrottle() *errThrottle {
	return &errThrottle{}
}

// Record appends a new error event and evaluates whether the trigger
// threshold has been crossed within recentErrWindow.
func (e *errThrottle) Record(now time.Time, jid, cid int64, p *model.Profile) {
	e.events = append(e.events, model.ErrEvent{At: now, JID: jid, CID: cid})
	e.prune(now, windowFor(p))

	trigger := recentErrTrigger
	hiatus := 0
	if p != nil {
		if p.RecentErrTrigger > 0 {
			trigger = p.RecentErrTrigger
		}
		hiatus = p.RecentErrHiatus
	}
	if len(e.events) < trigger {
		return
	}
	if hiatus == -1 {
		// auto-nimby: caller (Runner) reads this via AutoNimbyTriggered
		// and sets nimbyOverride itself, since errThrottle doesn't own
		// that state.
		e.hiatusActive = false
		e.hiatusUntil = time.Time{}
		return
	}
	if hiatus <= 0 {
		hiatus = 60
	}
	e.hiatusActive = true
	e.hiatusUntil = now.Add(time.Duration(hiatus) * time.Second)
}

// AutoNimbyTriggered reports whether the trigger threshold was crossed
// with RecentErrHiatus == -1, meaning the Runner should set
// nimbyOverride="too_many_errors" instead of a timed hiatus.
func (e *errThrottle) AutoNimbyTriggered(now time.Time, p *model.Profile) bool {
	e.prune(now, windowFor(p))
	trigger := recentErrTrigger
	hiatus := 0
	if p != nil {
		if p.RecentErrTrigger > 0 {
			trigger = p.RecentErrTrigger
		}
		hiatus = p.RecentErrHiatus
	}
	return hiatus == -1 && len(e.events) >= trigger
}

// HiatusActive reports whether readiness should currently be refused
// due to an active (non-auto-nimby) error hiatus.
func (e *errThrottle) HiatusActive(now time.Time) bool {
	if !e.hiatusActive {
		return false
	}
	if now.After(e.hiatusUntil) {
		e.hiatusActive = false
		return false
	}
	return true
}

func (e *errThrottle) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(e.events); i++ {
		if e.events[i].At.After(cutoff) {
			break
		}
	}
	e.events = e.events[i:]
}

func windowFor(p *model.Profile) time.Duration {
	if p != nil && p.RecentErrWindow > 0 {
		return p.RecentErrWindow
	}
	return recentErrWindow
}
