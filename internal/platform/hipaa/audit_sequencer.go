package hipaa

import (
	"strings"
	"sync"
)

// sequencer hands out per actor+record turns. Turn holders for the same pair
// proceed strictly in the order they acquired their turns; different pairs
// never wait on each other. A pair's state is dropped once its last holder
// releases, so idle pairs cost nothing.
type sequencer struct {
	mu    sync.Mutex
	pairs map[string]*pairState
}

// pairState is shared by the holders of one pair. last and seeded are only
// touched by the holder whose turn it is.
type pairState struct {
	tail    chan struct{}
	holders int

	last   int64
	seeded bool
}

func newSequencer() *sequencer {
	return &sequencer{pairs: make(map[string]*pairState)}
}

// acquire queues a turn for key. The caller must wait for prev (when non-nil)
// before touching st and must call release exactly once afterwards.
func (s *sequencer) acquire(key string) (st *pairState, prev <-chan struct{}, release func()) {
	s.mu.Lock()
	st, ok := s.pairs[key]
	if !ok {
		st = &pairState{}
		s.pairs[key] = st
	}
	if st.tail != nil {
		prev = st.tail
	}
	done := make(chan struct{})
	st.tail = done
	st.holders++
	s.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			st.holders--
			if st.holders == 0 && s.pairs[key] == st {
				delete(s.pairs, key)
			}
			s.mu.Unlock()
		})
	}
	return st, prev, release
}

// size reports how many pairs have queued or active holders.
func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

// next returns the sequence the current holder should stamp. seed supplies
// the last sequence already recorded for the pair when the state is fresh.
func (st *pairState) next(seed func() (int64, error)) (int64, error) {
	if !st.seeded {
		last, err := seed()
		if err != nil {
			return 0, err
		}
		st.last = last
		st.seeded = true
	}
	return st.last + 1, nil
}

// commit advances the pair past seq once an event carrying it was accepted.
func (st *pairState) commit(seq int64) {
	if seq > st.last {
		st.last = seq
	}
}

// abandon releases a turn whose holder stopped waiting. The release still
// happens in order, once the previous holder is done.
func abandon(prev <-chan struct{}, release func()) {
	if prev == nil {
		release()
		return
	}
	go func() {
		<-prev
		release()
	}()
}

func pairKey(actorID, recordType, recordID string) string {
	return strings.Join([]string{actorID, recordType, recordID}, "\x00")
}
