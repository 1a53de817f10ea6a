// Package codec implements the fixed-width SPV status datagram
// encoding: SPVPing and SPVPong, network byte order, no variable-length
// fields. Same explicit binary.BigEndian-read style as the
// btcsuite/btcd/wire framing idiom, adapted to a hand-rolled struct
// layout since this isn't a Bitcoin wire message.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/PayRpc/spvnode/internal/rpcerr"
)

// ProtocolVersion is the SPV status protocol version advertised in
// every pong.
const ProtocolVersion = 1

const (
	magic = int32(1446058291)

	// PingSize is the wire size of an encoded SPVPing.
	PingSize = 4 + 1 + 64
	// PongSize is the wire size of an encoded SPVPong.
	PongSize = 1 + 1 + 4 + 32 + 4
	// cachedPongSize is PongSize with the trailing source IP dropped;
	// this is what the status server caches and appends 4 bytes to.
	cachedPongSize = PongSize - 4

	availableFlag = byte(0x01)
)

var padBytes = make([]byte, 64)

// SPVPing is the client's liveness probe.
type SPVPing struct {
	ProtocolVersion byte
}

// EncodePing returns the 69-byte wire encoding of a ping at the given
// protocol version.
func EncodePing(protocolVersion byte) []byte {
	buf := make([]byte, 0, PingSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(magic))
	buf = append(buf, protocolVersion)
	buf = append(buf, padBytes...)
	return buf
}

// DecodePing validates and parses a ping datagram. Extra trailing
// bytes are ignored; a datagram shorter than PingSize is ErrBadLength;
// a correctly sized datagram whose magic doesn't match is ErrBadMagic.
func DecodePing(data []byte) (SPVPing, error) {
	if len(data) < PingSize {
		return SPVPing{}, rpcerr.ErrBadLength
	}
	gotMagic := int32(binary.BigEndian.Uint32(data[:4]))
	if gotMagic != magic {
		return SPVPing{}, rpcerr.ErrBadMagic
	}
	return SPVPing{ProtocolVersion: data[4]}, nil
}

// SPVPong is the server's status reply.
type SPVPong struct {
	ProtocolVersion byte
	Flags           byte
	Height          int32
	Tip             [32]byte
	SourceIP        [4]byte
}

// Available reports bit 0 of Flags.
func (p SPVPong) Available() bool {
	return p.Flags&availableFlag != 0
}

// IPString formats SourceIP as a dotted quad.
func (p SPVPong) IPString() string {
	return fmt.Sprintf("%d.%d.%d.%d", p.SourceIP[0], p.SourceIP[1], p.SourceIP[2], p.SourceIP[3])
}

// MakeCachedPong encodes the first 38 bytes of a pong — everything but
// the source IP suffix, which the status server appends per-request.
func MakeCachedPong(height int32, tip [32]byte, flags byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(flags)
	_ = binary.Write(&buf, binary.BigEndian, height)
	buf.Write(tip[:])
	return buf.Bytes()[:cachedPongSize]
}

// DecodePong parses a 42-byte pong. Extra trailing bytes are ignored;
// a short datagram is ErrBadLength.
func DecodePong(data []byte) (SPVPong, error) {
	if len(data) < PongSize {
		return SPVPong{}, rpcerr.ErrBadLength
	}
	var p SPVPong
	p.ProtocolVersion = data[0]
	p.Flags = data[1]
	p.Height = int32(binary.BigEndian.Uint32(data[2:6]))
	copy(p.Tip[:], data[6:38])
	copy(p.SourceIP[:], data[38:42])
	return p, nil
}

// AppendSourceIP concatenates a cached pong prefix with the 4-byte
// big-endian IPv4 address of the datagram's sender.
func AppendSourceIP(cachedPong []byte, ip [4]byte) []byte {
	out := make([]byte, 0, len(cachedPong)+4)
	out = append(out, cachedPong...)
	out = append(out, ip[:]...)
	return out
}
