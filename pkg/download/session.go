package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/storage"
)

// State is the lifecycle position of a download session.
type State int

const (
	Idle State = iota
	MetadataPending
	ChunksPending
	Verifying
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case MetadataPending:
		return "metadata_pending"
	case ChunksPending:
		return "chunks_pending"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Complete || s == Failed
}

// Session is the in-progress download of one content hash. All callers
// fetching the same hash share it and observe the same outcome.
type Session struct {
	hash    string
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// guarded by Coordinator.mu
	waiters int
	pinned  bool

	mu       sync.Mutex
	state    State
	meta     *storage.FileRecord
	chunks   [][]byte
	have     []bool
	missing  int
	down     map[string]bool
	attempts map[int]map[string]int
	tracker  *Tracker

	result *storage.FileRecord
	err    error
}

func newSession(parent context.Context, hash string) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		hash:     hash,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    Idle,
		down:     make(map[string]bool),
		attempts: make(map[int]map[string]int),
	}
}

func (s *Session) Hash() string {
	return s.hash
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed once the session reaches Complete or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result is only meaningful after Done is closed.
func (s *Session) Result() (*storage.FileRecord, error) {
	<-s.done
	return s.result, s.err
}

// Tracker is nil until metadata is known.
func (s *Session) Tracker() *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// cancelErr maps the session context's cause onto ErrSessionCancelled.
func (s *Session) cancelErr() error {
	cause := context.Cause(s.ctx)
	if errors.Is(cause, ErrSessionCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrSessionCancelled, cause)
}

func (s *Session) setMeta(meta *storage.FileRecord) {
	n := meta.ChunkCount()
	sizes := make([]int64, n)
	for i := range sizes {
		sizes[i] = storage.ExpectedChunkLen(meta.Size, meta.ChunkSize, i)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	s.chunks = make([][]byte, n)
	s.have = make([]bool, n)
	s.missing = n
	s.tracker = newTracker(s.hash, meta.Filename, meta.Size, sizes)
	s.state = ChunksPending
}

func (s *Session) metadata() *storage.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Session) has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have[index]
}

// put stores a verified chunk and reports whether it was newly stored.
func (s *Session) put(index int, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ChunksPending || s.have[index] {
		return false
	}
	s.chunks[index] = data
	s.have[index] = true
	s.missing--
	return true
}

func (s *Session) ordered() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func (s *Session) markDown(id string) {
	s.mu.Lock()
	s.down[id] = true
	s.mu.Unlock()
}

// pick chooses the holder for the next attempt at index: skip holders down
// for this session or out of attempts, prefer the fewest attempts on this
// index, and rotate the starting holder by index so load spreads round robin.
func (s *Session) pick(index int, holders []directory.PeerRecord, maxAttempts int) (directory.PeerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.attempts[index]
	if counts == nil {
		counts = make(map[string]int)
		s.attempts[index] = counts
	}

	n := len(holders)
	best := -1
	for k := 0; k < n; k++ {
		i := (index + k) % n
		id := holders[i].ID
		if s.down[id] || counts[id] >= maxAttempts {
			continue
		}
		if best == -1 || counts[id] < counts[holders[best].ID] {
			best = i
		}
	}
	if best == -1 {
		return directory.PeerRecord{}, false
	}
	counts[holders[best].ID]++
	return holders[best], true
}
