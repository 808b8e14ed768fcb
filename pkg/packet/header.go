// Package packet implements the binary packet protocol and the router
// that dispatches decoded packets onto a bounded worker pool.
//
// Every packet starts with a fixed 12-byte little-endian header followed
// by a type-specific body. TotalSize covers the header and the body, so a
// header-only packet has TotalSize 12.
package packet

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed wire size of a packet header.
const HeaderSize = 12

// MaxPacketSize bounds TotalSize; it is the full range of the u16 size
// field.
const MaxPacketSize = 65535

// Header is the fixed packet preamble.
//
// Wire layout, little endian:
//
//	offset 0  u16 TotalSize   header + body, bytes
//	offset 2  u8  Type
//	offset 3  u8  Result
//	offset 4  u32 ClientTick
//	offset 8  u32 ServerTick
type Header struct {
	TotalSize  uint16
	Type       Type
	Result     ResultCode
	ClientTick uint32
	ServerTick uint32
}

// Encode writes the header into buf, which must hold at least HeaderSize
// bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.TotalSize)
	buf[2] = uint8(h.Type)
	buf[3] = uint8(h.Result)
	binary.LittleEndian.PutUint32(buf[4:8], h.ClientTick)
	binary.LittleEndian.PutUint32(buf[8:12], h.ServerTick)
}

// DecodeHeader parses a header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("packet: header truncated: %d bytes", len(buf))
	}
	return Header{
		TotalSize:  binary.LittleEndian.Uint16(buf[0:2]),
		Type:       Type(buf[2]),
		Result:     ResultCode(buf[3]),
		ClientTick: binary.LittleEndian.Uint32(buf[4:8]),
		ServerTick: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Packet is a decoded packet: its header plus the body bytes that
// followed it.
type Packet struct {
	Header Header
	Body   []byte
}

// Marshal renders the packet to wire form, fixing up TotalSize from the
// body length.
func (p *Packet) Marshal() []byte {
	p.Header.TotalSize = uint16(HeaderSize + len(p.Body))
	buf := make([]byte, HeaderSize+len(p.Body))
	p.Header.Encode(buf)
	copy(buf[HeaderSize:], p.Body)
	return buf
}

// Response builds a reply packet for p with the given result and body,
// echoing ClientTick and stamping ServerTick.
func (p *Packet) Response(result ResultCode, serverTick uint32, body []byte) *Packet {
	return &Packet{
		Header: Header{
			Type:       p.Header.Type,
			Result:     result,
			ClientTick: p.Header.ClientTick,
			ServerTick: serverTick,
		},
		Body: body,
	}
}
