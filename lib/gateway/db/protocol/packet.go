/*
 * Deployra
 * Copyright (C) 2025  Deployra, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package protocol implements the small slice of the MySQL client/server
// protocol the database gateway needs: framing, a synthetic server
// greeting, and extracting the username from the client's handshake
// response. Everything past authentication is spliced verbatim.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

const (
	// headerSize is the packet header: 3-byte little-endian payload length
	// plus a sequence byte.
	headerSize = 4

	// maxPacketSize bounds a single handshake-phase packet. Regular
	// traffic is spliced without reframing so larger packets only occur
	// past authentication.
	maxPacketSize = 1 << 24
)

// Packet is one framed MySQL packet including its header.
type Packet struct {
	raw []byte
}

// Bytes returns the full wire form, header included.
func (p *Packet) Bytes() []byte {
	return p.raw
}

// Sequence returns the packet sequence number.
func (p *Packet) Sequence() byte {
	return p.raw[3]
}

// Payload returns the packet body without the header.
func (p *Packet) Payload() []byte {
	return p.raw[headerSize:]
}

// NewPacket frames a payload with the given sequence number.
func NewPacket(sequence byte, payload []byte) *Packet {
	raw := make([]byte, headerSize+len(payload))
	raw[0] = byte(len(payload))
	raw[1] = byte(len(payload) >> 8)
	raw[2] = byte(len(payload) >> 16)
	raw[3] = sequence
	copy(raw[headerSize:], payload)
	return &Packet{raw: raw}
}

// ReadPacket reads one framed packet off the connection.
func ReadPacket(conn io.Reader) (*Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, trace.ConnectionProblem(err, "reading packet header")
	}
	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	if length >= maxPacketSize {
		return nil, trace.BadParameter("packet of %v bytes exceeds the handshake limit", length)
	}
	raw := make([]byte, headerSize+length)
	copy(raw, header[:])
	if _, err := io.ReadFull(conn, raw[headerSize:]); err != nil {
		return nil, trace.ConnectionProblem(err, "reading packet payload")
	}
	return &Packet{raw: raw}, nil
}

// WritePacket writes the packet to the connection.
func WritePacket(conn io.Writer, pkt *Packet) error {
	if _, err := conn.Write(pkt.raw); err != nil {
		return trace.ConnectionProblem(err, "writing packet")
	}
	return nil
}

func uint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
