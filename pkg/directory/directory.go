package directory

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sp80808/EchoChain/pkg/protocol"
)

// ErrKeyMismatch is returned when a peer presents a public key other than the
// one first recorded for its id.
var ErrKeyMismatch = errors.New("public key does not match the key pinned for this peer")

// PeerRecord is what the node knows about one remote peer.
type PeerRecord struct {
	ID          string
	Host        string
	Port        int
	LastSeen    time.Time
	Failures    int
	LastFailure time.Time
	PublicKey   []byte
}

func (p PeerRecord) Addr() protocol.PeerAddr {
	return protocol.PeerAddr{Host: p.Host, Port: p.Port}
}

// Directory is the node's view of the network: known peers and which of
// them announced which content. Announcements are flooded, so every node
// eventually holds a full copy; this does not scale past small swarms.
type Directory struct {
	self             string
	failureThreshold int
	retryAfter       time.Duration
	now              func() time.Time

	mu      sync.RWMutex
	peers   map[string]*PeerRecord
	content map[string]map[string]struct{} // hash -> peer ids
}

// New returns an empty directory for the node with id self. A peer with
// failureThreshold consecutive failures is considered down until retryAfter
// has passed since its last failure.
func New(self string, failureThreshold int, retryAfter time.Duration) *Directory {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Directory{
		self:             self,
		failureThreshold: failureThreshold,
		retryAfter:       retryAfter,
		now:              time.Now,
		peers:            make(map[string]*PeerRecord),
		content:          make(map[string]map[string]struct{}),
	}
}

func (d *Directory) Self() string {
	return d.self
}

// AddPeer inserts or updates a peer. The last address written wins.
func (d *Directory) AddPeer(id, host string, port int) {
	if id == "" || id == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.peers[id]; ok {
		p.Host, p.Port = host, port
		return
	}
	d.peers[id] = &PeerRecord{ID: id, Host: host, Port: port}
}

// MergePeerList adds every listed peer that is not already known and is not
// this node. It returns how many were added.
func (d *Directory) MergePeerList(peers map[string]protocol.PeerAddr) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	added := 0
	for id, addr := range peers {
		if id == "" || id == d.self {
			continue
		}
		if _, ok := d.peers[id]; ok {
			continue
		}
		d.peers[id] = &PeerRecord{ID: id, Host: addr.Host, Port: addr.Port}
		added++
	}
	return added
}

// Announce records that id holds hash and reports whether the pair is new.
func (d *Directory) Announce(hash, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	holders, ok := d.content[hash]
	if !ok {
		holders = make(map[string]struct{})
		d.content[hash] = holders
	}
	if _, ok := holders[id]; ok {
		return false
	}
	holders[id] = struct{}{}
	return true
}

// PeersFor returns the sorted ids that announced hash.
func (d *Directory) PeersFor(hash string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.content[hash]))
	for id := range d.content[hash] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) AllAnnouncedContent() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	hashes := make([]string, 0, len(d.content))
	for h := range d.content {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// Peer returns a copy of the record for id.
func (d *Directory) Peer(id string) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// Peers returns every known peer sorted by id.
func (d *Directory) Peers() []PeerRecord {
	d.mu.RLock()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeerMap is the wire form of the known peers, used in peer_list replies.
func (d *Directory) PeerMap() map[string]protocol.PeerAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := make(map[string]protocol.PeerAddr, len(d.peers))
	for id, p := range d.peers {
		m[id] = p.Addr()
	}
	return m
}

// MarkSeen resets the failure streak after a successful exchange.
func (d *Directory) MarkSeen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.LastSeen = d.now()
		p.Failures = 0
	}
}

func (d *Directory) MarkFailed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.Failures++
		p.LastFailure = d.now()
	}
}

// CheckPublicKey reports ErrKeyMismatch when id already has a pinned key and
// key is not that key. Unknown peers and peers without a key pass.
func (d *Directory) CheckPublicKey(id string, key []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkKey(id, key)
}

func (d *Directory) checkKey(id string, key []byte) error {
	p, ok := d.peers[id]
	if !ok || len(p.PublicKey) == 0 {
		return nil
	}
	if !bytes.Equal(p.PublicKey, key) {
		return ErrKeyMismatch
	}
	return nil
}

// SetPublicKey pins key for id the first time one is seen. Later calls must
// present the same key.
func (d *Directory) SetPublicKey(id string, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkKey(id, key); err != nil {
		return err
	}
	if p, ok := d.peers[id]; ok && len(p.PublicKey) == 0 {
		p.PublicKey = append([]byte(nil), key...)
	}
	return nil
}

// Alive reports whether id is worth contacting. Peers over the failure
// threshold get another chance once retryAfter has elapsed.
func (d *Directory) Alive(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return false
	}
	return d.alive(p)
}

func (d *Directory) alive(p *PeerRecord) bool {
	if p.Failures < d.failureThreshold {
		return true
	}
	return d.now().Sub(p.LastFailure) >= d.retryAfter
}

// Holders returns the known, alive peers that announced hash, best first:
// fewest consecutive failures, then most recently seen, then id.
func (d *Directory) Holders(hash string) []PeerRecord {
	d.mu.RLock()
	out := make([]PeerRecord, 0, len(d.content[hash]))
	for id := range d.content[hash] {
		p, ok := d.peers[id]
		if !ok || !d.alive(p) {
			continue
		}
		out = append(out, *p)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Failures != out[j].Failures {
			return out[i].Failures < out[j].Failures
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
