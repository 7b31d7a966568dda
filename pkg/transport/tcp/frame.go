package tcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sp80808/EchoChain/pkg/protocol"
)

// Frame Types
const (
	FrameTypeRequest  = 0x01
	FrameTypeResponse = 0x02
)

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize bounds a single envelope. A base64 chunk of the default 1 MiB
// is ~1.4 MiB, so this leaves room for much larger chunk sizes.
const MaxFrameSize = 64 * 1024 * 1024

// writeFrameHeader writes the frame header to the writer
func writeFrameHeader(w io.Writer, msgType uint8, length uint32) error {
	buf := make([]byte, HeaderSize)
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:], length)

	_, err := w.Write(buf)
	return err
}

// readFrameHeader reads the frame header from the reader
// returns msgType, length, and error
func readFrameHeader(r io.Reader) (uint8, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	msgType := buf[0]
	length := binary.BigEndian.Uint32(buf[1:])

	return msgType, length, nil
}

// writeEnvelope encodes env as JSON and writes it as one frame.
func writeEnvelope(w io.Writer, frameType uint8, env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("envelope too large: %d bytes", len(payload))
	}
	if err := writeFrameHeader(w, frameType, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one frame and returns its type and raw payload. Malformed
// JSON is left to the caller so that the listener can answer with an error
// envelope instead of dropping the connection.
func readFrame(r io.Reader) (uint8, []byte, error) {
	frameType, length, err := readFrameHeader(r)
	if err != nil {
		return 0, nil, err
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return frameType, payload, nil
}

func decodeEnvelope(payload []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return protocol.Envelope{}, fmt.Errorf("malformed envelope: missing type")
	}
	return env, nil
}
