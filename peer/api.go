package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/download"
	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/monitor"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/storage"
)

// AllContent asks ContentInfo for a summary of everything held locally.
const AllContent = "all"

var ErrContentNotFound = errors.New("content not found")

// ContentSummary describes one content hash as this node knows it.
type ContentSummary struct {
	ContentHash string
	Filename    string
	Size        int64
	NumChunks   int
	Local       bool
	Path        string
	Holders     []string
}

// Status is a point-in-time view of the node for the shell.
type Status struct {
	ID        string
	Addr      string
	Peers     []directory.PeerRecord
	Files     int
	Announced int
	Sessions  []download.SessionInfo
	Metrics   monitor.Snapshot
}

// AddFile ingests path into the store and announces it.
func (n *Node) AddFile(ctx context.Context, path string) (string, error) {
	rec, err := n.store.Ingest(path)
	if err != nil {
		return "", err
	}
	logger.Sugar.Infof("[Node] Added file: hash=%s name=%s size=%d chunks=%d",
		rec.ContentHash, rec.Filename, rec.Size, rec.ChunkCount())

	if err := n.Announce(ctx, rec.ContentHash); err != nil {
		return rec.ContentHash, err
	}
	return rec.ContentHash, nil
}

// Announce records this node as a holder of hash and floods the claim to
// every live peer.
func (n *Node) Announce(ctx context.Context, hash string) error {
	if !n.store.Has(hash) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, hash)
	}
	n.dir.Announce(hash, n.id)
	self := n.selfAddr()
	delivered := n.floodAnnounce(ctx, protocol.AnnounceContent{
		ContentHash: hash,
		PeerID:      n.id,
		Host:        self.Host,
		Port:        self.Port,
	}, n.id)
	logger.Sugar.Infof("[Node] Announced content: hash=%s peers=%d", hash, delivered)
	return ctx.Err()
}

// Fetch downloads hash if it is not held yet and returns the local record.
func (n *Node) Fetch(ctx context.Context, hash string) (*storage.FileRecord, error) {
	return n.coord.Fetch(ctx, hash)
}

// RequestFile returns the local path when hash is already held. Otherwise it
// starts a background download and reports started=true.
func (n *Node) RequestFile(hash string) (path string, started bool, err error) {
	if rec, err := n.store.Info(hash); err == nil {
		return rec.Path, false, nil
	}
	s, err := n.coord.FetchAsync(hash)
	if err != nil {
		return "", false, err
	}
	if s == nil {
		rec, err := n.store.Info(hash)
		if err != nil {
			return "", false, err
		}
		return rec.Path, false, nil
	}
	return "", true, nil
}

// ContentInfo describes hash, or every local file when hash is AllContent.
func (n *Node) ContentInfo(hash string) ([]ContentSummary, error) {
	if hash == AllContent {
		records := n.store.List()
		out := make([]ContentSummary, 0, len(records))
		for i := range records {
			out = append(out, n.summarize(&records[i]))
		}
		return out, nil
	}

	if rec, err := n.store.Info(hash); err == nil {
		return []ContentSummary{n.summarize(rec)}, nil
	}
	holders := n.dir.PeersFor(hash)
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, hash)
	}
	return []ContentSummary{{ContentHash: hash, Holders: holders}}, nil
}

func (n *Node) summarize(rec *storage.FileRecord) ContentSummary {
	return ContentSummary{
		ContentHash: rec.ContentHash,
		Filename:    rec.Filename,
		Size:        rec.Size,
		NumChunks:   rec.ChunkCount(),
		Local:       true,
		Path:        rec.Path,
		Holders:     n.dir.PeersFor(rec.ContentHash),
	}
}

// ListContent returns every hash this node holds or has heard announced.
func (n *Node) ListContent() []string {
	seen := make(map[string]struct{})
	for _, h := range n.localHashes() {
		seen[h] = struct{}{}
	}
	for _, h := range n.dir.AllAnnouncedContent() {
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (n *Node) localHashes() []string {
	records := n.store.List()
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ContentHash
	}
	return out
}

// DiscoverPeers introduces this node to the peer at addr, learns its peers
// and content, and tells it what we hold.
func (n *Node) DiscoverPeers(ctx context.Context, addr string) (string, error) {
	id, err := n.discover(ctx, addr)
	if err != nil {
		return "", err
	}
	if id == n.id {
		return id, nil
	}
	if err := n.pushPeerList(ctx, addr); err != nil {
		logger.Sugar.Warnf("[Node] Failed to push peer list: peer=%s err=%v", id, err)
	}
	return id, nil
}

func (n *Node) Status() Status {
	return Status{
		ID:        n.id,
		Addr:      n.Addr(),
		Peers:     n.dir.Peers(),
		Files:     len(n.store.List()),
		Announced: len(n.dir.AllAnnouncedContent()),
		Sessions:  n.coord.Sessions(),
		Metrics:   n.metrics.Snapshot(),
	}
}
