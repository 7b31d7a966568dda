package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToServiceInfo(t *testing.T) {
	entry := zeroconf.NewServiceEntry("echochain-abc", ServiceType, Domain)
	entry.Port = 8001
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"peer_id=abc", "malformed"}

	info := toServiceInfo(entry)
	assert.Equal(t, "abc", info.PeerID())
	assert.Equal(t, []string{"192.168.1.20"}, info.IPs)
	assert.Equal(t, 8001, info.Port)
	assert.Len(t, info.Meta, 1)
}

func TestDiscovery(t *testing.T) {
	// Skip in CI/docker environments where multicast might not work
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	port := 12345
	require.NoError(t, advertiser.AdvertisePeer("test-peer", port))
	defer advertiser.Stop()

	// Give it a moment to announce
	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	require.NoError(t, err)

	found := false
	for info := range ch {
		if info.Port == port && info.PeerID() == "test-peer" {
			found = true
			assert.NotEmpty(t, info.IPs)
			break
		}
	}
	assert.True(t, found, "failed to discover the test service")
}
