package download

import (
	"sort"
	"sync"
	"time"
)

// ChunkState represents the current state of a chunk download
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the chunk state
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDownloading:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

type chunkProgress struct {
	state     ChunkState
	peer      string
	size      int64
	startTime time.Time
	endTime   time.Time
}

// Tracker follows one download session chunk by chunk.
type Tracker struct {
	mu sync.RWMutex

	hash     string
	filename string
	size     int64
	chunks   []chunkProgress

	activePeers map[string]int // peer id -> chunks in flight
	startTime   time.Time
	endTime     time.Time
	bytesDone   int64

	// speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	failures int
	retries  int
}

// Stats is a snapshot of a tracker.
type Stats struct {
	Hash        string
	Filename    string
	Completed   int
	Total       int
	Failures    int
	Retries     int
	ActivePeers int
	BytesDone   int64
	Size        int64
	Speed       float64
}

func newTracker(hash, filename string, size int64, chunkSizes []int64) *Tracker {
	now := time.Now()
	t := &Tracker{
		hash:        hash,
		filename:    filename,
		size:        size,
		chunks:      make([]chunkProgress, len(chunkSizes)),
		activePeers: make(map[string]int),
		startTime:   now,
		lastTime:    now,
	}
	for i, sz := range chunkSizes {
		t.chunks[i].size = sz
	}
	return t
}

func (t *Tracker) valid(index int) bool {
	return index >= 0 && index < len(t.chunks)
}

func (t *Tracker) releasePeer(c *chunkProgress) {
	if c.state != ChunkDownloading {
		return
	}
	t.activePeers[c.peer]--
	if t.activePeers[c.peer] <= 0 {
		delete(t.activePeers, c.peer)
	}
}

// StartChunk marks a chunk as being fetched from peer.
func (t *Tracker) StartChunk(index int, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(index) {
		return
	}
	c := &t.chunks[index]
	if c.state == ChunkCompleted {
		return
	}
	t.releasePeer(c)
	c.state = ChunkDownloading
	c.peer = peer
	c.startTime = time.Now()
	t.activePeers[peer]++
}

func (t *Tracker) CompleteChunk(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(index) {
		return
	}
	c := &t.chunks[index]
	if c.state == ChunkCompleted {
		return
	}
	t.releasePeer(c)
	c.state = ChunkCompleted
	c.endTime = time.Now()
	t.bytesDone += c.size
}

func (t *Tracker) FailChunk(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(index) {
		return
	}
	c := &t.chunks[index]
	if c.state == ChunkCompleted {
		return
	}
	t.releasePeer(c)
	c.state = ChunkFailed
	c.endTime = time.Now()
	t.failures++
}

// RetryChunk moves a failed chunk back to pending.
func (t *Tracker) RetryChunk(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(index) {
		return
	}
	c := &t.chunks[index]
	if c.state == ChunkFailed {
		c.state = ChunkPending
		c.startTime = time.Time{}
		c.endTime = time.Time{}
	}
	t.retries++
}

// UpdateSpeed recalculates the download speed at most every 0.5s.
func (t *Tracker) UpdateSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastTime).Seconds()
	if elapsed >= 0.5 {
		t.currentSpeed = float64(t.bytesDone-t.lastBytes) / elapsed
		t.lastBytes = t.bytesDone
		t.lastTime = now
	}
	return t.currentSpeed
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completed := 0
	for _, c := range t.chunks {
		if c.state == ChunkCompleted {
			completed++
		}
	}
	return Stats{
		Hash:        t.hash,
		Filename:    t.filename,
		Completed:   completed,
		Total:       len(t.chunks),
		Failures:    t.failures,
		Retries:     t.retries,
		ActivePeers: len(t.activePeers),
		BytesDone:   t.bytesDone,
		Size:        t.size,
		Speed:       t.currentSpeed,
	}
}

// ETA returns the estimated time remaining at the current speed.
func (t *Tracker) ETA() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remaining := t.size - t.bytesDone
	if t.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / t.currentSpeed * float64(time.Second))
}

func (t *Tracker) markComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endTime = time.Now()
}

func (t *Tracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.endTime.IsZero() {
		return t.endTime.Sub(t.startTime)
	}
	return time.Since(t.startTime)
}

// ChunkStates returns the state of every chunk in index order.
func (t *Tracker) ChunkStates() []ChunkState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChunkState, len(t.chunks))
	for i, c := range t.chunks {
		out[i] = c.state
	}
	return out
}

// ActivePeers returns the ids of peers with chunks in flight.
func (t *Tracker) ActivePeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.activePeers))
	for p := range t.activePeers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

func (t *Tracker) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.chunks {
		if c.state != ChunkCompleted {
			return false
		}
	}
	return true
}
