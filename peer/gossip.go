package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/discovery"
	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/storage"
)

// discover sends a signed discover_peers to addr and folds the answer into
// the directory. It returns the responder's peer id.
func (n *Node) discover(ctx context.Context, addr string) (string, error) {
	target, err := protocol.ParsePeerAddr(addr)
	if err != nil {
		return "", err
	}

	self := n.selfAddr()
	msg := protocol.DiscoverPeers{
		SenderID:  n.id,
		Host:      self.Host,
		Port:      self.Port,
		PublicKey: n.identity.PublicKey(),
	}
	msg.Signature = n.identity.Sign(msg.SignedBytes())

	req, err := protocol.NewEnvelope(protocol.TypeDiscoverPeers, msg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Download.RequestTimeout)
	defer cancel()

	resp, err := n.transport.Request(ctx, addr, req)
	if err != nil {
		return "", err
	}
	if err := protocol.Expect(resp, protocol.TypePeerList); err != nil {
		return "", err
	}
	var list protocol.PeerList
	if err := resp.Decode(&list); err != nil {
		return "", err
	}
	if list.YourID == "" {
		return "", fmt.Errorf("peer at %s did not identify itself", addr)
	}
	if list.YourID == n.id {
		return list.YourID, nil
	}

	if err := n.dir.CheckPublicKey(list.YourID, list.PublicKey); err != nil {
		return "", fmt.Errorf("peer %s at %s: %w", list.YourID, addr, err)
	}
	n.dir.AddPeer(list.YourID, target.Host, target.Port)
	n.dir.MarkSeen(list.YourID)
	if len(list.PublicKey) > 0 {
		if err := n.dir.SetPublicKey(list.YourID, list.PublicKey); err != nil {
			return "", fmt.Errorf("peer %s at %s: %w", list.YourID, addr, err)
		}
	}
	n.handlePeerList(list)
	return list.YourID, nil
}

// pushPeerList tells addr about our peers and the content we hold.
func (n *Node) pushPeerList(ctx context.Context, addr string) error {
	env, err := protocol.NewEnvelope(protocol.TypePeerList, protocol.PeerList{
		Peers:     n.dir.PeerMap(),
		YourID:    n.id,
		PublicKey: n.identity.PublicKey(),
		Content:   n.localHashes(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Download.RequestTimeout)
	defer cancel()
	return n.transport.Send(ctx, addr, env)
}

// bootstrap introduces this node to every configured bootstrap peer.
func (n *Node) bootstrap() {
	for _, addr := range n.cfg.BootstrapPeers {
		if n.ctx.Err() != nil {
			return
		}
		id, err := n.DiscoverPeers(n.ctx, addr)
		if err != nil {
			logger.Sugar.Warnf("[Node] Bootstrap peer unreachable: addr=%s err=%v", addr, err)
			continue
		}
		logger.Sugar.Infof("[Node] Bootstrapped: peer=%s addr=%s known=%d", id, addr, len(n.dir.Peers()))
	}
}

// reannounce advertises everything already in the store after a restart.
func (n *Node) reannounce() {
	for _, rec := range n.store.List() {
		if n.ctx.Err() != nil {
			return
		}
		if err := n.Announce(n.ctx, rec.ContentHash); err != nil {
			logger.Sugar.Warnf("[Node] Re-announce failed: hash=%s err=%v", rec.ContentHash, err)
		}
	}
}

// gossipLoop periodically re-discovers a random subset of known peers so
// peer lists and liveness converge.
func (n *Node) gossipLoop() {
	ticker := time.NewTicker(n.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Gossip()
		}
	}
}

// Gossip runs one round of peer-list exchange with a random fanout of live
// peers.
func (n *Node) Gossip() {
	peers := n.dir.Peers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	fanout := n.cfg.GossipFanout
	if fanout <= 0 || fanout > len(peers) {
		fanout = len(peers)
	}

	sent := 0
	for _, p := range peers {
		if sent >= fanout {
			break
		}
		if !n.dir.Alive(p.ID) {
			continue
		}
		sent++
		if _, err := n.discover(n.ctx, p.Addr().String()); err != nil {
			n.notePeerFailure(p, err)
			continue
		}
		logger.Sugar.Debugf("[Gossip] Exchanged peer list: peer=%s", p.ID)
	}
}

func (n *Node) notePeerFailure(p directory.PeerRecord, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	n.dir.MarkFailed(p.ID)
	n.metrics.RecordPeerFailure()
	logger.Sugar.Warnf("[Node] Peer request failed: peer=%s addr=%s err=%v", p.ID, p.Addr(), err)
}

// floodAnnounce sends ann to every live peer except the ids in skip and
// waits for all of them. Failures are recorded against the peer.
func (n *Node) floodAnnounce(ctx context.Context, ann protocol.AnnounceContent, skip ...string) int {
	env, err := protocol.NewEnvelope(protocol.TypeAnnounceContent, ann)
	if err != nil {
		return 0
	}

	excluded := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		excluded[id] = struct{}{}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, p := range n.dir.Peers() {
		if _, ok := excluded[p.ID]; ok || !n.dir.Alive(p.ID) {
			continue
		}
		wg.Add(1)
		go func(p directory.PeerRecord) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Download.RequestTimeout)
			defer cancel()
			if err := n.transport.Send(reqCtx, p.Addr().String(), env); err != nil {
				n.notePeerFailure(p, err)
				return
			}
			n.dir.MarkSeen(p.ID)
			mu.Lock()
			delivered++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return delivered
}

// onDownloadComplete makes freshly downloaded content available to others.
func (n *Node) onDownloadComplete(rec *storage.FileRecord) {
	logger.Sugar.Infof("[Node] Download complete, announcing: hash=%s file=%s", rec.ContentHash, rec.Path)
	n.goBackground(func() {
		if err := n.Announce(n.ctx, rec.ContentHash); err != nil {
			logger.Sugar.Warnf("[Node] Announce after download failed: hash=%s err=%v", rec.ContentHash, err)
		}
	})
}

// startMDNS advertises this node on the local network and discovers any
// other node found there.
func (n *Node) startMDNS() {
	self := n.selfAddr()
	adv := discovery.NewAdvertiser()
	if err := adv.AdvertisePeer(n.id, self.Port); err != nil {
		logger.Sugar.Warnf("[Discovery] Failed to advertise: err=%v", err)
	} else {
		n.advertiser = adv
	}

	resolver, err := discovery.NewResolver()
	if err != nil {
		logger.Sugar.Warnf("[Discovery] Failed to start resolver: err=%v", err)
		return
	}
	services, err := resolver.Browse(n.ctx)
	if err != nil {
		logger.Sugar.Warnf("[Discovery] Browse failed: err=%v", err)
		return
	}

	n.goBackground(func() {
		for svc := range services {
			id := svc.PeerID()
			if id == "" || id == n.id || len(svc.IPs) == 0 {
				continue
			}
			if _, known := n.dir.Peer(id); known {
				continue
			}
			addr := net.JoinHostPort(svc.IPs[0], strconv.Itoa(svc.Port))
			if _, err := n.DiscoverPeers(n.ctx, addr); err != nil {
				logger.Sugar.Warnf("[Discovery] Failed to reach mDNS peer: peer=%s addr=%s err=%v", id, addr, err)
			}
		}
	})
}
