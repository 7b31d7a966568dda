package peer

import (
	"context"
	"fmt"

	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/download"
	"github.com/sp80808/EchoChain/pkg/protocol"
)

var _ download.Fetcher = (*client)(nil)

// client issues the outbound requests a download needs.
type client struct {
	n *Node
}

func (c *client) ContentInfo(ctx context.Context, peer directory.PeerRecord, hash string) (protocol.FileInfo, error) {
	req, err := protocol.NewEnvelope(protocol.TypeRequestContentInfo, protocol.RequestContentInfo{ContentHash: hash})
	if err != nil {
		return protocol.FileInfo{}, err
	}
	resp, err := c.n.transport.Request(ctx, peer.Addr().String(), req)
	if err != nil {
		return protocol.FileInfo{}, err
	}
	if err := protocol.Expect(resp, protocol.TypeContentInfo); err != nil {
		return protocol.FileInfo{}, err
	}

	var info protocol.ContentInfo
	if err := resp.Decode(&info); err != nil {
		return protocol.FileInfo{}, err
	}
	if info.ContentHash != "" && info.ContentHash != hash {
		return protocol.FileInfo{}, fmt.Errorf("peer %s answered for %s, asked for %s", peer.ID, info.ContentHash, hash)
	}
	return info.FileInfo, nil
}

func (c *client) Chunk(ctx context.Context, peer directory.PeerRecord, hash string, index int) ([]byte, error) {
	req, err := protocol.NewEnvelope(protocol.TypeRequestChunk, protocol.RequestChunk{ContentHash: hash, ChunkIndex: index})
	if err != nil {
		return nil, err
	}
	resp, err := c.n.transport.Request(ctx, peer.Addr().String(), req)
	if err != nil {
		return nil, err
	}
	if err := protocol.Expect(resp, protocol.TypeChunkData); err != nil {
		return nil, err
	}

	var chunk protocol.ChunkData
	if err := resp.Decode(&chunk); err != nil {
		return nil, err
	}
	if chunk.ContentHash != hash || chunk.ChunkIndex != index {
		return nil, fmt.Errorf("peer %s sent chunk %s/%d, asked for %s/%d",
			peer.ID, chunk.ContentHash, chunk.ChunkIndex, hash, index)
	}
	return chunk.Data, nil
}
