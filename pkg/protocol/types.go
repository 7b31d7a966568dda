package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types carried in Envelope.Type.
const (
	TypeDiscoverPeers      = "discover_peers"
	TypePeerList           = "peer_list"
	TypeAnnounceContent    = "announce_content"
	TypeRequestContentInfo = "request_content_info"
	TypeContentInfo        = "content_info"
	TypeRequestChunk       = "request_chunk"
	TypeChunkData          = "chunk_data"
	TypeAck                = "ack"
	TypeError              = "error"
)

// Envelope is the unit exchanged on a connection: one request, one response.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

func Ack() Envelope {
	return Envelope{Type: TypeAck}
}

// --- Payloads ---

// DiscoverPeers introduces the sender. When PublicKey is set, Signature is
// the sender's Ed25519 signature over SignedBytes().
type DiscoverPeers struct {
	SenderID  string `json:"sender_id"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

func (d DiscoverPeers) SignedBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", d.SenderID, d.Host, d.Port))
}

// PeerList is both the discover_peers response and the unsolicited
// peer_list push. YourID is the id of the node that produced the list.
type PeerList struct {
	Peers     map[string]PeerAddr `json:"peers"`
	YourID    string              `json:"your_id,omitempty"`
	PublicKey []byte              `json:"public_key,omitempty"`
	Content   []string            `json:"content,omitempty"`
}

// AnnounceContent claims that PeerID holds ContentHash. Host and Port are
// the holder's listen address, so nodes that receive a forwarded
// announcement can reach a holder they have never met.
type AnnounceContent struct {
	ContentHash string `json:"content_hash"`
	PeerID      string `json:"peer_id"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
}

type RequestContentInfo struct {
	ContentHash string `json:"content_hash"`
}

type FileInfo struct {
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	ChunkSize   int64    `json:"chunk_size"`
	NumChunks   int      `json:"num_chunks"`
	ChunkHashes []string `json:"chunk_hashes"`
}

type ContentInfo struct {
	ContentHash string   `json:"content_hash,omitempty"`
	FileInfo    FileInfo `json:"file_info"`
}

type RequestChunk struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
}

// ChunkData carries raw chunk bytes; encoding/json writes []byte as base64.
type ChunkData struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
	Data        []byte `json:"data"`
}
