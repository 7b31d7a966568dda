package peer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sp80808/EchoChain/pkg/download"
	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/security"
	"github.com/sp80808/EchoChain/pkg/storage"
)

// handleMessage routes one inbound envelope and always produces a reply.
func (n *Node) handleMessage(ctx context.Context, from string, env protocol.Envelope) protocol.Envelope {
	switch env.Type {
	case protocol.TypeDiscoverPeers:
		var p protocol.DiscoverPeers
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		return n.handleDiscover(from, p)

	case protocol.TypePeerList:
		var p protocol.PeerList
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		n.handlePeerList(p)
		return protocol.Ack()

	case protocol.TypeAnnounceContent:
		var p protocol.AnnounceContent
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		if p.ContentHash == "" || p.PeerID == "" {
			return badRequest(errors.New("content_hash and peer_id are required"))
		}
		n.handleAnnounce(p)
		return protocol.Ack()

	case protocol.TypeRequestContentInfo:
		var p protocol.RequestContentInfo
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		rec, err := n.store.Info(p.ContentHash)
		if err != nil {
			return protocol.ErrorEnvelope(protocol.CodeNotFound, err)
		}
		return mustEnvelope(protocol.TypeContentInfo, protocol.ContentInfo{
			ContentHash: rec.ContentHash,
			FileInfo:    rec.FileInfo(),
		})

	case protocol.TypeRequestChunk:
		var p protocol.RequestChunk
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		data, err := n.store.GetChunk(p.ContentHash, p.ChunkIndex)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.ErrorEnvelope(protocol.CodeNotFound, err)
			}
			logger.Sugar.Errorf("[Node] Failed to read chunk: hash=%s index=%d err=%v", p.ContentHash, p.ChunkIndex, err)
			return protocol.ErrorEnvelope(protocol.CodeInternal, err)
		}
		n.metrics.RecordServed(len(data))
		return mustEnvelope(protocol.TypeChunkData, protocol.ChunkData{
			ContentHash: p.ContentHash,
			ChunkIndex:  p.ChunkIndex,
			Data:        data,
		})

	case protocol.TypeChunkData:
		var p protocol.ChunkData
		if err := env.Decode(&p); err != nil {
			return badRequest(err)
		}
		if err := n.coord.OfferChunk(p.ContentHash, p.ChunkIndex, p.Data); err != nil {
			if errors.Is(err, download.ErrNoSession) {
				return protocol.ErrorEnvelope(protocol.CodeNotFound, err)
			}
			return badRequest(err)
		}
		return protocol.Ack()

	default:
		logger.Sugar.Warnf("[Node] Unknown message type: type=%q from=%s", env.Type, from)
		return protocol.ErrorEnvelope(protocol.CodeUnknownMessageType,
			fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, env.Type))
	}
}

func badRequest(err error) protocol.Envelope {
	return protocol.ErrorEnvelope(protocol.CodeBadRequest, err)
}

// mustEnvelope builds a reply from a payload type that always marshals.
func mustEnvelope(msgType string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return protocol.ErrorEnvelope(protocol.CodeInternal, err)
	}
	return env
}

func (n *Node) handleDiscover(from string, p protocol.DiscoverPeers) protocol.Envelope {
	if p.SenderID == "" {
		return badRequest(errors.New("sender_id is required"))
	}
	if len(p.PublicKey) > 0 && !security.Verify(p.PublicKey, p.SignedBytes(), p.Signature) {
		logger.Sugar.Warnf("[Node] Rejected discover with bad signature: sender=%s from=%s", p.SenderID, from)
		return badRequest(errors.New("signature does not match public key"))
	}

	host := p.Host
	if host == "" {
		host, _, _ = net.SplitHostPort(from)
	}
	if err := n.dir.CheckPublicKey(p.SenderID, p.PublicKey); err != nil {
		logger.Sugar.Warnf("[Node] Rejected discover with unexpected key: sender=%s from=%s", p.SenderID, from)
		return badRequest(err)
	}
	if p.Port > 0 && p.SenderID != n.id {
		n.dir.AddPeer(p.SenderID, host, p.Port)
		n.dir.MarkSeen(p.SenderID)
		if len(p.PublicKey) > 0 {
			if err := n.dir.SetPublicKey(p.SenderID, p.PublicKey); err != nil {
				return badRequest(err)
			}
		}
		logger.Sugar.Infof("[Node] Peer discovered us: peer=%s addr=%s", p.SenderID, net.JoinHostPort(host, fmt.Sprint(p.Port)))
	}

	peers := n.dir.PeerMap()
	delete(peers, p.SenderID)
	return mustEnvelope(protocol.TypePeerList, protocol.PeerList{
		Peers:     peers,
		YourID:    n.id,
		PublicKey: n.identity.PublicKey(),
		Content:   n.localHashes(),
	})
}

func (n *Node) handlePeerList(p protocol.PeerList) {
	added := n.dir.MergePeerList(p.Peers)
	if p.YourID != "" {
		for _, hash := range p.Content {
			n.dir.Announce(hash, p.YourID)
		}
	}
	if added > 0 {
		logger.Sugar.Infof("[Node] Merged peer list: added=%d known=%d", added, len(n.dir.Peers()))
	}
}

// handleAnnounce records an announcement and floods it onwards the first
// time this node hears of the pair. A holder we have not met yet is added
// under the announced address; known peers keep the address we learned
// from them directly.
func (n *Node) handleAnnounce(p protocol.AnnounceContent) {
	if p.PeerID != n.id && p.Host != "" && p.Port > 0 {
		if _, known := n.dir.Peer(p.PeerID); !known {
			n.dir.AddPeer(p.PeerID, p.Host, p.Port)
		}
	}
	if !n.dir.Announce(p.ContentHash, p.PeerID) {
		return
	}
	logger.Sugar.Infof("[Node] Content announced: hash=%s peer=%s", p.ContentHash, p.PeerID)
	if p.PeerID == n.id {
		return
	}
	n.goBackground(func() {
		n.floodAnnounce(n.ctx, p, p.PeerID)
	})
}
