package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp80808/EchoChain/pkg/config"
	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/monitor"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/storage"
	"github.com/sp80808/EchoChain/pkg/transport"
)

// fakeNet serves content from one source store on behalf of several peers.
type fakeNet struct {
	src *storage.Store

	mu         sync.Mutex
	offline    map[string]bool
	corrupt    map[string]bool
	alias      map[string]string // requested hash -> hash actually served
	gate       chan struct{}
	hangInfo   bool
	infoCalls  int
	chunkCalls map[string]int

	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeNet(src *storage.Store) *fakeNet {
	return &fakeNet{
		src:        src,
		offline:    make(map[string]bool),
		corrupt:    make(map[string]bool),
		alias:      make(map[string]string),
		chunkCalls: make(map[string]int),
	}
}

func (f *fakeNet) resolve(hash string) string {
	if h, ok := f.alias[hash]; ok {
		return h
	}
	return hash
}

func (f *fakeNet) ContentInfo(ctx context.Context, peer directory.PeerRecord, hash string) (protocol.FileInfo, error) {
	f.mu.Lock()
	f.infoCalls++
	hang, offline := f.hangInfo, f.offline[peer.ID]
	hash = f.resolve(hash)
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return protocol.FileInfo{}, ctx.Err()
	}
	if offline {
		return protocol.FileInfo{}, fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, peer.ID)
	}
	rec, err := f.src.Info(hash)
	if err != nil {
		return protocol.FileInfo{}, &protocol.RemoteError{Code: protocol.CodeNotFound, Message: err.Error()}
	}
	return rec.FileInfo(), nil
}

func (f *fakeNet) Chunk(ctx context.Context, peer directory.PeerRecord, hash string, index int) ([]byte, error) {
	f.mu.Lock()
	f.chunkCalls[peer.ID]++
	gate, offline, corrupt, delay := f.gate, f.offline[peer.ID], f.corrupt[peer.ID], f.delay
	hash = f.resolve(hash)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, peer.ID)
	}
	data, err := f.src.GetChunk(hash, index)
	if err != nil {
		return nil, &protocol.RemoteError{Code: protocol.CodeNotFound, Message: err.Error()}
	}
	if corrupt {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		return bad, nil
	}
	return data, nil
}

type fixture struct {
	src     *storage.Store
	dst     *storage.Store
	dir     *directory.Directory
	net     *fakeNet
	metrics *monitor.Metrics
	coord   *Coordinator
	rec     *storage.FileRecord
	data    []byte
}

func testConfig() config.DownloadConfig {
	return config.DownloadConfig{
		MaxConcurrentChunks:  4,
		MaxAttemptsPerPeer:   2,
		MetadataTimeout:      2 * time.Second,
		RequestTimeout:       2 * time.Second,
		PeerFailureThreshold: 3,
		PeerRetryAfter:       time.Minute,
	}
}

func newFixture(t *testing.T, holders ...string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig(), holders...)
}

func newFixtureWithConfig(t *testing.T, cfg config.DownloadConfig, holders ...string) *fixture {
	t.Helper()

	src, err := storage.Open(t.TempDir(), 1000, storage.NewMemoryCatalog())
	require.NoError(t, err)
	dst, err := storage.Open(t.TempDir(), 1000, storage.NewMemoryCatalog())
	require.NoError(t, err)

	data := make([]byte, 4500)
	_, err = rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "loop.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	rec, err := src.Ingest(path)
	require.NoError(t, err)

	dir := directory.New("self", cfg.PeerFailureThreshold, cfg.PeerRetryAfter)
	for i, id := range holders {
		dir.AddPeer(id, "127.0.0.1", 9000+i)
		dir.Announce(rec.ContentHash, id)
	}

	f := &fixture{src: src, dst: dst, dir: dir, net: newFakeNet(src), metrics: monitor.New(), rec: rec, data: data}
	f.coord = New(cfg, dst, dir, f.net, f.metrics)
	t.Cleanup(func() {
		f.coord.Close()
		src.Close()
		dst.Close()
	})
	return f
}

func TestFetchDownloadsFromHolder(t *testing.T) {
	f := newFixture(t, "a")

	completed := make(chan *storage.FileRecord, 1)
	f.coord.OnComplete(func(rec *storage.FileRecord) { completed <- rec })

	rec, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.data, onDisk))
	assert.Equal(t, f.rec.ContentHash, rec.ContentHash)

	select {
	case got := <-completed:
		assert.Equal(t, rec.ContentHash, got.ContentHash)
	case <-time.After(time.Second):
		t.Fatal("OnComplete hook not called")
	}
	assert.Empty(t, f.coord.Sessions())
	assert.Equal(t, int64(5), f.metrics.Snapshot().ChunksFetched)

	// Already local: no new session.
	again, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, again.Path)
	assert.Equal(t, int64(1), f.metrics.Snapshot().SessionsStarted)
}

func TestChunkRequestsAreBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentChunks = 2
	f := newFixtureWithConfig(t, cfg, "a", "b")
	f.net.delay = 20 * time.Millisecond

	rec, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, f.rec.ContentHash, rec.ContentHash)

	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	assert.Equal(t, 2, f.net.maxInFlight, "two workers should overlap but never exceed the limit")
	assert.Zero(t, f.net.inFlight)
}

func TestConcurrentFetchesShareOneSession(t *testing.T) {
	f := newFixture(t, "a")
	f.net.gate = make(chan struct{})

	type outcome struct {
		rec *storage.FileRecord
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
			results <- outcome{rec, err}
		}()
	}

	require.Eventually(t, func() bool {
		s := f.coord.Sessions()
		return len(s) == 1 && s[0].Waiters == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(f.net.gate)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.rec.Path, second.rec.Path)
	assert.Equal(t, 1, f.net.infoCalls)
	assert.Equal(t, int64(1), f.metrics.Snapshot().SessionsStarted)
}

func TestCorruptHolderIsBypassed(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.net.corrupt["a"] = true

	rec, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	require.NoError(t, err)

	onDisk, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(f.data, onDisk))
	assert.GreaterOrEqual(t, f.metrics.Snapshot().ChunkFailures, int64(1))
}

func TestCorruptOnlyHolderFailsChunkUnavailable(t *testing.T) {
	f := newFixture(t, "a")
	f.net.corrupt["a"] = true

	_, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	assert.ErrorIs(t, err, ErrChunkUnavailable)
	assert.False(t, f.dst.Has(f.rec.ContentHash))
	assert.Equal(t, int64(1), f.metrics.Snapshot().SessionsFailed)

	// Failed is terminal for the session, not for the hash.
	f.net.mu.Lock()
	f.net.corrupt["a"] = false
	f.net.mu.Unlock()
	_, err = f.coord.Fetch(context.Background(), f.rec.ContentHash)
	assert.NoError(t, err)
}

func TestOfflineHolderFallsBackToAnother(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.net.offline["a"] = true

	_, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	require.NoError(t, err)

	a, _ := f.dir.Peer("a")
	assert.Greater(t, a.Failures, 0)
}

func TestOnlyHolderOffline(t *testing.T) {
	f := newFixture(t, "a")
	f.net.offline["a"] = true

	_, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	assert.ErrorIs(t, err, ErrNoPeersAvailable)
	assert.False(t, f.dst.Has(f.rec.ContentHash))
}

func TestFetchWithoutHolders(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	assert.ErrorIs(t, err, ErrNoPeersAvailable)
	assert.Empty(t, f.coord.Sessions())
	assert.Zero(t, f.metrics.Snapshot().SessionsStarted)
}

func TestMetadataTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MetadataTimeout = 50 * time.Millisecond
	f := newFixtureWithConfig(t, cfg, "a")
	f.net.hangInfo = true

	_, err := f.coord.Fetch(context.Background(), f.rec.ContentHash)
	assert.ErrorIs(t, err, ErrMetadataTimeout)
}

func TestIntegrityMismatchIsNotInstalled(t *testing.T) {
	f := newFixture(t, "a")
	// Holder answers for a hash it does not really have with metadata and
	// chunks of another file: every chunk verifies, the whole file does not.
	bogus := storage.HashBytes([]byte("something else"))
	f.net.alias[bogus] = f.rec.ContentHash
	f.dir.Announce(bogus, "a")

	_, err := f.coord.Fetch(context.Background(), bogus)
	assert.ErrorIs(t, err, storage.ErrIntegrityMismatch)
	assert.False(t, f.dst.Has(bogus))
	for _, rec := range f.dst.List() {
		t.Errorf("unexpected record %s", rec.ContentHash)
	}
}

func TestCancelAbortsSession(t *testing.T) {
	f := newFixture(t, "a")
	f.net.gate = make(chan struct{})

	s, err := f.coord.FetchAsync(f.rec.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, s)

	require.Eventually(t, func() bool { return s.State() == ChunksPending }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.coord.Cancel(f.rec.ContentHash))

	_, err = s.Result()
	assert.ErrorIs(t, err, ErrSessionCancelled)
	assert.Equal(t, Failed, s.State())
	assert.False(t, f.dst.Has(f.rec.ContentHash))
	assert.False(t, f.coord.Cancel(f.rec.ContentHash))
}

func TestLastWaiterLeavingCancelsSession(t *testing.T) {
	f := newFixture(t, "a")
	f.net.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.Fetch(ctx, f.rec.ContentHash)
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(f.coord.Sessions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	require.Eventually(t, func() bool {
		return len(f.coord.Sessions()) == 0 && f.metrics.Snapshot().SessionsFailed == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOfferChunk(t *testing.T) {
	f := newFixture(t, "a")
	f.net.gate = make(chan struct{})

	assert.ErrorIs(t, f.coord.OfferChunk(f.rec.ContentHash, 0, []byte("x")), ErrNoSession)

	s, err := f.coord.FetchAsync(f.rec.ContentHash)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == ChunksPending }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.coord.OfferChunk(f.rec.ContentHash, 0, []byte("garbage")), storage.ErrChunkHashMismatch)
	assert.Error(t, f.coord.OfferChunk(f.rec.ContentHash, 99, []byte("x")))

	for i := 0; i < f.rec.ChunkCount(); i++ {
		chunk, err := f.src.GetChunk(f.rec.ContentHash, i)
		require.NoError(t, err)
		require.NoError(t, f.coord.OfferChunk(f.rec.ContentHash, i, chunk))
	}
	tracker, ok := f.coord.Progress(f.rec.ContentHash)
	require.True(t, ok)
	assert.True(t, tracker.IsComplete())

	close(f.net.gate)
	rec, err := s.Result()
	require.NoError(t, err)
	assert.Equal(t, f.rec.ContentHash, rec.ContentHash)
}

func TestPickRotatesAndCapsAttempts(t *testing.T) {
	s := newSession(context.Background(), "h")
	holders := []directory.PeerRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	first := func(index int) string {
		p, ok := s.pick(index, holders, 2)
		require.True(t, ok)
		return p.ID
	}
	assert.Equal(t, "a", first(0))
	assert.Equal(t, "b", first(1))
	assert.Equal(t, "c", first(2))

	// Index 0 already tried a once: prefer peers with fewer attempts.
	assert.Equal(t, "b", first(0))
	assert.Equal(t, "c", first(0))
	assert.Equal(t, "a", first(0))

	s.markDown("b")
	s.markDown("c")
	_, ok := s.pick(0, holders, 2)
	assert.False(t, ok, "a is out of attempts and the rest are down")
}

func TestTrackerStats(t *testing.T) {
	tr := newTracker("h", "f.wav", 25, []int64{10, 10, 5})
	tr.StartChunk(0, "a")
	tr.StartChunk(1, "b")
	assert.Equal(t, []string{"a", "b"}, tr.ActivePeers())

	tr.CompleteChunk(0)
	tr.FailChunk(1)
	tr.RetryChunk(1)

	st := tr.Stats()
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, int64(10), st.BytesDone)
	assert.Equal(t, 0, st.ActivePeers)
	assert.Equal(t, []ChunkState{ChunkCompleted, ChunkPending, ChunkPending}, tr.ChunkStates())
	assert.False(t, tr.IsComplete())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "chunks_pending", ChunksPending.String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Verifying.Terminal())
}
