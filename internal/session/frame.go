package session

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single length-prefixed JSON-RPC frame; the
// spec sets this to 2^32 bytes (effectively unbounded for this
// protocol), matching the source's framer.max_size assignment.
const maxFrameSize = uint64(1) << 32

// wireRequest is a single JSON-RPC call frame.
type wireRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// wireMessage covers both a response to a call (ID set) and a
// server-initiated notification (Method set, ID empty).
type wireMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m wireMessage) isNotification() bool {
	return m.ID == "" && m.Method != ""
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded payload — the same length-prefixed-frame idiom as
// btcsuite/btcd/wire.WriteMessage, adapted to a JSON body instead of a
// Bitcoin wire message.
func writeFrame(w *bufio.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame reads one length-prefixed JSON frame from r.
func readFrame(r *bufio.Reader) (wireMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wireMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > maxFrameSize {
		return wireMessage{}, fmt.Errorf("spvnode: frame of %d bytes exceeds maximum", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return wireMessage{}, err
	}
	return msg, nil
}
