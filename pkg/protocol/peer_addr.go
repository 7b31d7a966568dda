package protocol

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// PeerAddr is a peer's dialable address. On the wire it is the two-element
// array [host, port].
type PeerAddr struct {
	Host string
	Port int
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a PeerAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

func (a *PeerAddr) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("peer address: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("peer address: want [host, port], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Host); err != nil {
		return fmt.Errorf("peer address host: %w", err)
	}
	if err := json.Unmarshal(pair[1], &a.Port); err != nil {
		return fmt.Errorf("peer address port: %w", err)
	}
	return nil
}

// ParsePeerAddr splits "host:port".
func ParsePeerAddr(addr string) (PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return PeerAddr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return PeerAddr{Host: host, Port: port}, nil
}
