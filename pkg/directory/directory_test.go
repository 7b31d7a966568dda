package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp80808/EchoChain/pkg/protocol"
)

func TestAnnounceIsIdempotent(t *testing.T) {
	d := New("self", 3, time.Minute)

	assert.True(t, d.Announce("h1", "b"))
	assert.True(t, d.Announce("h1", "a"))
	assert.False(t, d.Announce("h1", "b"))

	assert.Equal(t, []string{"a", "b"}, d.PeersFor("h1"))
	assert.Empty(t, d.PeersFor("unknown"))
	assert.Equal(t, []string{"h1"}, d.AllAnnouncedContent())
}

func TestAddPeerLastWriteWins(t *testing.T) {
	d := New("self", 3, time.Minute)
	d.AddPeer("p", "10.0.0.1", 1)
	d.AddPeer("p", "10.0.0.2", 2)
	d.AddPeer("self", "10.0.0.3", 3)

	p, ok := d.Peer("p")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", p.Host)
	assert.Equal(t, 2, p.Port)

	_, ok = d.Peer("self")
	assert.False(t, ok)
	assert.Len(t, d.Peers(), 1)
}

func TestMergePeerList(t *testing.T) {
	d := New("self", 3, time.Minute)
	d.AddPeer("known", "10.0.0.1", 1)

	added := d.MergePeerList(map[string]protocol.PeerAddr{
		"known": {Host: "10.9.9.9", Port: 9},
		"new":   {Host: "10.0.0.2", Port: 2},
		"self":  {Host: "10.0.0.3", Port: 3},
	})
	assert.Equal(t, 1, added)

	known, _ := d.Peer("known")
	assert.Equal(t, "10.0.0.1", known.Host, "merge does not overwrite existing peers")
	_, ok := d.Peer("new")
	assert.True(t, ok)
	assert.NotContains(t, d.PeerMap(), "self")
}

func TestLivenessAndHolderOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	d := New("self", 2, time.Minute)
	d.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		d.AddPeer(id, "127.0.0.1", 1)
		d.Announce("h", id)
	}
	d.Announce("h", "ghost") // announced but never contacted

	d.MarkSeen("a")
	now = now.Add(time.Second)
	d.MarkSeen("b")
	d.MarkFailed("c")

	ids := func() []string {
		var out []string
		for _, p := range d.Holders("h") {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids())

	d.MarkFailed("c")
	assert.False(t, d.Alive("c"))
	assert.Equal(t, []string{"b", "a"}, ids())

	now = now.Add(2 * time.Minute)
	assert.True(t, d.Alive("c"), "down peers are retried after the cool-down")

	d.MarkSeen("c")
	c, _ := d.Peer("c")
	assert.Zero(t, c.Failures)
}

func TestSetPublicKey(t *testing.T) {
	d := New("self", 3, time.Minute)
	d.AddPeer("p", "h", 1)
	key := []byte{1, 2, 3}
	require.NoError(t, d.SetPublicKey("p", key))
	key[0] = 9

	p, _ := d.Peer("p")
	assert.Equal(t, []byte{1, 2, 3}, p.PublicKey)
}

func TestPublicKeyIsPinned(t *testing.T) {
	d := New("self", 3, time.Minute)
	d.AddPeer("p", "h", 1)
	require.NoError(t, d.CheckPublicKey("p", []byte{4, 5, 6}), "nothing pinned yet")
	require.NoError(t, d.SetPublicKey("p", []byte{1, 2, 3}))

	require.NoError(t, d.SetPublicKey("p", []byte{1, 2, 3}))
	assert.ErrorIs(t, d.SetPublicKey("p", []byte{4, 5, 6}), ErrKeyMismatch)
	assert.ErrorIs(t, d.CheckPublicKey("p", []byte{4, 5, 6}), ErrKeyMismatch)
	assert.ErrorIs(t, d.CheckPublicKey("p", nil), ErrKeyMismatch)
	assert.NoError(t, d.CheckPublicKey("stranger", []byte{4, 5, 6}))

	p, _ := d.Peer("p")
	assert.Equal(t, []byte{1, 2, 3}, p.PublicKey)
}
