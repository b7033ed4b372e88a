package enginerpc

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// repeatWindow and repeatThreshold bound how often an identical
// reply-decoding failure from Transaction (same verb, same error string)
// is logged at WARN: the first repeatThreshold within repeatWindow are
// logged, then at most one "still failing" line with the repeat count per
// repeatWindow. Transport (dial/read/write) errors do not pass through
// this suppressor.
const (
	repeatWindow    = 60 * time.Second
	repeatThreshold = 3
)

type suppressor struct {
	logger hclog.Logger

	mu    sync.Mutex
	state map[string]*repeatState
}

type repeatState struct {
	count     int
	firstSeen time.Time
	lastLog   time.Time
}

func newSuppressor(logger hclog.Logger) *suppressor {
	return &suppressor{logger: logger, state: map[string]*repeatState{}}
}

func (s *suppressor) log(verb string, err error) {
	key := verb + "|" + err.Error()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	st, ok := s.state[key]
	if !ok || now.Sub(st.firstSeen) > repeatWindow {
		st = &repeatState{firstSeen: now}
		s.state[key] = st
	}
	st.count++

	if st.count <= repeatThreshold {
		s.logger.Warn("engine transaction failed", "verb", verb, "err", err)
		st.lastLog = now
		return
	}
	if now.Sub(st.lastLog) >= repeatWindow {
		s.logger.Warn("engine transaction still failing", "verb", verb, "err", err, "repeat_count", st.count)
		st.lastLog = now
	}
}
