package download

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sp80808/EchoChain/pkg/config"
	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/monitor"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/storage"
	"github.com/sp80808/EchoChain/pkg/transport"
)

var (
	ErrNoPeersAvailable = errors.New("no peers available")
	ErrMetadataTimeout  = errors.New("timed out waiting for content metadata")
	ErrChunkUnavailable = errors.New("chunk unavailable from every holder")
	ErrSessionCancelled = errors.New("download session cancelled")
	ErrNoSession        = errors.New("no active download session")
)

// Fetcher performs the two remote calls a download needs.
type Fetcher interface {
	ContentInfo(ctx context.Context, peer directory.PeerRecord, hash string) (protocol.FileInfo, error)
	Chunk(ctx context.Context, peer directory.PeerRecord, hash string, index int) ([]byte, error)
}

// Directory is the part of the peer directory the coordinator reads and
// reports liveness to.
type Directory interface {
	Holders(hash string) []directory.PeerRecord
	MarkSeen(id string)
	MarkFailed(id string)
}

type ChunkStore interface {
	Info(hash string) (*storage.FileRecord, error)
	Reconstruct(meta *storage.FileRecord, chunks [][]byte) (*storage.FileRecord, error)
}

// SessionInfo describes a live session.
type SessionInfo struct {
	Hash    string
	State   State
	Waiters int
	Started time.Time
}

// Coordinator runs at most one download session per content hash.
type Coordinator struct {
	cfg     config.DownloadConfig
	store   ChunkStore
	dir     Directory
	fetcher Fetcher
	metrics *monitor.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	sessions   map[string]*Session
	onComplete []func(*storage.FileRecord)
}

func New(cfg config.DownloadConfig, store ChunkStore, dir Directory, fetcher Fetcher, metrics *monitor.Metrics) *Coordinator {
	if metrics == nil {
		metrics = monitor.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		dir:      dir,
		fetcher:  fetcher,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// OnComplete registers fn to run after every successful session.
func (c *Coordinator) OnComplete(fn func(*storage.FileRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = append(c.onComplete, fn)
}

// Fetch returns the local record for hash, downloading it first if needed.
// Concurrent calls for the same hash share one session. If ctx is done the
// caller detaches; the session is cancelled once no caller is left.
func (c *Coordinator) Fetch(ctx context.Context, hash string) (*storage.FileRecord, error) {
	if rec, err := c.store.Info(hash); err == nil {
		return rec, nil
	}

	s, err := c.attach(hash, false)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return c.store.Info(hash)
	}

	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		c.detach(s)
		return nil, ctx.Err()
	}
}

// FetchAsync starts (or joins) a session that no caller waits on. It only
// ends on completion, failure or Cancel.
func (c *Coordinator) FetchAsync(hash string) (*Session, error) {
	if c.storeHas(hash) {
		return nil, nil
	}
	return c.attach(hash, true)
}

func (c *Coordinator) storeHas(hash string) bool {
	_, err := c.store.Info(hash)
	return err == nil
}

// attach joins the live session for hash or starts a new one. A nil session
// with a nil error means the content became local in the meantime.
func (c *Coordinator) attach(hash string, pinned bool) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[hash]; ok {
		if pinned {
			s.pinned = true
		} else {
			s.waiters++
		}
		return s, nil
	}
	if c.storeHas(hash) {
		return nil, nil
	}
	if c.ctx.Err() != nil {
		return nil, ErrSessionCancelled
	}
	if len(c.dir.Holders(hash)) == 0 {
		return nil, fmt.Errorf("%w: nobody announced %s", ErrNoPeersAvailable, hash)
	}

	s := newSession(c.ctx, hash)
	s.pinned = pinned
	if !pinned {
		s.waiters = 1
	}
	c.sessions[hash] = s
	c.metrics.SessionStarted()
	logger.Sugar.Infof("[Download] Session started: hash=%s", hash)

	c.wg.Add(1)
	go c.run(s)
	return s, nil
}

func (c *Coordinator) detach(s *Session) {
	c.mu.Lock()
	s.waiters--
	orphaned := s.waiters <= 0 && !s.pinned
	c.mu.Unlock()

	if orphaned {
		s.cancel(ErrSessionCancelled)
	}
}

// Cancel aborts the live session for hash.
func (c *Coordinator) Cancel(hash string) bool {
	c.mu.Lock()
	s, ok := c.sessions[hash]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel(ErrSessionCancelled)
	return true
}

// Progress returns the tracker of the live session for hash, if metadata is
// already known.
func (c *Coordinator) Progress(hash string) (*Tracker, bool) {
	c.mu.Lock()
	s, ok := c.sessions[hash]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	t := s.Tracker()
	return t, t != nil
}

func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, SessionInfo{Hash: s.hash, Waiters: s.waiters, Started: s.started})
	}
	live := make(map[string]*Session, len(c.sessions))
	for h, s := range c.sessions {
		live[h] = s
	}
	c.mu.Unlock()

	for i := range out {
		out[i].State = live[out[i].Hash].State()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// OfferChunk accepts an unsolicited chunk for a live session if it verifies
// against the session's metadata.
func (c *Coordinator) OfferChunk(hash string, index int, data []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[hash]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, hash)
	}

	meta := s.metadata()
	if meta == nil {
		return fmt.Errorf("metadata for %s not known yet", hash)
	}
	if index < 0 || index >= meta.ChunkCount() {
		return fmt.Errorf("chunk index %d out of range for %s", index, hash)
	}
	if err := storage.VerifyChunk(meta.ChunkHashes[index], data); err != nil {
		c.metrics.RecordChunkFailure()
		return err
	}
	if s.put(index, data) {
		c.metrics.RecordFetched(len(data))
		s.Tracker().CompleteChunk(index)
	}
	return nil
}

// Close cancels every live session and waits for them to finish.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) run(s *Session) {
	defer c.wg.Done()

	rec, err := c.download(s)
	if err == nil {
		s.setState(Complete)
	} else {
		s.setState(Failed)
	}
	if t := s.Tracker(); t != nil {
		t.markComplete()
	}

	c.mu.Lock()
	if c.sessions[s.hash] == s {
		delete(c.sessions, s.hash)
	}
	hooks := append(([]func(*storage.FileRecord))(nil), c.onComplete...)
	c.mu.Unlock()

	var size int64
	if rec != nil {
		size = rec.Size
	}
	c.metrics.SessionFinished(s.hash, size, time.Since(s.started), err)

	s.result, s.err = rec, err
	close(s.done)
	s.cancel(nil)

	if err != nil {
		logger.Sugar.Warnf("[Download] Session failed: hash=%s err=%v", s.hash, err)
		return
	}
	logger.Sugar.Infof("[Download] Session complete: hash=%s name=%s path=%s", s.hash, rec.Filename, rec.Path)
	for _, fn := range hooks {
		fn(rec)
	}
}

func (c *Coordinator) download(s *Session) (*storage.FileRecord, error) {
	s.setState(MetadataPending)
	holders := c.dir.Holders(s.hash)
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: nobody announced %s", ErrNoPeersAvailable, s.hash)
	}

	meta, err := c.fetchMetadata(s, holders)
	if err != nil {
		return nil, err
	}
	s.setMeta(meta)
	logger.Sugar.Infof("[Download] Metadata received: hash=%s name=%s size=%d chunks=%d holders=%d",
		s.hash, meta.Filename, meta.Size, meta.ChunkCount(), len(holders))

	if err := c.fetchChunks(s, holders); err != nil {
		return nil, err
	}

	s.setState(Verifying)
	if s.ctx.Err() != nil {
		return nil, s.cancelErr()
	}
	return c.store.Reconstruct(meta, s.ordered())
}

type metaResult struct {
	peer directory.PeerRecord
	meta *storage.FileRecord
	err  error
}

// fetchMetadata asks every holder at once; the first consistent answer wins.
func (c *Coordinator) fetchMetadata(s *Session, holders []directory.PeerRecord) (*storage.FileRecord, error) {
	ctx, cancel := context.WithTimeout(s.ctx, c.cfg.MetadataTimeout)
	defer cancel()

	results := make(chan metaResult, len(holders))
	for _, p := range holders {
		go func(p directory.PeerRecord) {
			info, err := c.fetcher.ContentInfo(ctx, p, s.hash)
			var meta *storage.FileRecord
			if err == nil {
				meta, err = storage.RecordFromFileInfo(s.hash, info)
			}
			results <- metaResult{peer: p, meta: meta, err: err}
		}(p)
	}

	var lastErr error
	for failed := 0; failed < len(holders); {
		select {
		case r := <-results:
			if r.err == nil {
				c.dir.MarkSeen(r.peer.ID)
				return r.meta, nil
			}
			if ctx.Err() != nil {
				continue
			}
			c.notePeerError(s, r.peer, r.err)
			lastErr = r.err
			failed++
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return nil, s.cancelErr()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrMetadataTimeout, s.hash, c.cfg.MetadataTimeout)
		}
	}
	return nil, fmt.Errorf("%w: no holder of %s answered: %v", ErrNoPeersAvailable, s.hash, lastErr)
}

// fetchChunks drains the missing indexes through a bounded worker pool.
func (c *Coordinator) fetchChunks(s *Session, holders []directory.PeerRecord) error {
	n := s.metadata().ChunkCount()
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)

	workers := c.cfg.MaxConcurrentChunks
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if err := c.fetchChunk(ctx, s, index, holders); err != nil {
					cancel(err)
				}
			}
		}()
	}

feed:
	for index := 0; index < n; index++ {
		if s.has(index) {
			continue
		}
		select {
		case jobs <- index:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if s.ctx.Err() != nil {
		return s.cancelErr()
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// fetchChunk retries index across holders until one returns bytes that
// match the expected chunk hash.
func (c *Coordinator) fetchChunk(ctx context.Context, s *Session, index int, holders []directory.PeerRecord) error {
	meta := s.metadata()
	tracker := s.Tracker()
	expected := meta.ChunkHashes[index]

	for {
		if s.has(index) {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		peer, ok := s.pick(index, holders, c.cfg.MaxAttemptsPerPeer)
		if !ok {
			return fmt.Errorf("%w: chunk %d of %s", ErrChunkUnavailable, index, s.hash)
		}

		tracker.StartChunk(index, peer.ID)
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		data, err := c.fetcher.Chunk(reqCtx, peer, s.hash, index)
		cancel()

		if err != nil {
			tracker.FailChunk(index)
			if ctx.Err() != nil {
				// Session is over; the response is discarded, not retried.
				return context.Cause(ctx)
			}
			c.notePeerError(s, peer, err)
			tracker.RetryChunk(index)
			continue
		}

		if err := storage.VerifyChunk(expected, data); err != nil {
			tracker.FailChunk(index)
			c.metrics.RecordChunkFailure()
			logger.Sugar.Warnf("[Download] Corrupt chunk discarded: hash=%s index=%d peer=%s", s.hash, index, peer.ID)
			tracker.RetryChunk(index)
			continue
		}

		c.dir.MarkSeen(peer.ID)
		if s.put(index, data) {
			c.metrics.RecordFetched(len(data))
		}
		tracker.CompleteChunk(index)
		return nil
	}
}

// notePeerError takes a holder out of the session. Transport failures and
// timeouts also count against the peer's liveness in the directory.
func (c *Coordinator) notePeerError(s *Session, peer directory.PeerRecord, err error) {
	s.markDown(peer.ID)
	if errors.Is(err, transport.ErrPeerUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		c.dir.MarkFailed(peer.ID)
		c.metrics.RecordPeerFailure()
	}
	logger.Sugar.Warnf("[Download] Holder failed: hash=%s peer=%s err=%v", s.hash, peer.ID, err)
}
