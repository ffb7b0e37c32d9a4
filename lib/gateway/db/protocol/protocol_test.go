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

package protocol

import (
	"bytes"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	pkt := NewPacket(3, []byte{0x01, 0x02, 0x03})
	require.Equal(t, byte(3), pkt.Sequence())
	require.Equal(t, []byte{0x01, 0x02, 0x03}, pkt.Payload())
	require.Equal(t, []byte{0x03, 0x00, 0x00, 0x03, 0x01, 0x02, 0x03}, pkt.Bytes())

	parsed, err := ReadPacket(bytes.NewReader(pkt.Bytes()))
	require.NoError(t, err)
	require.Equal(t, pkt.Bytes(), parsed.Bytes())

	var out bytes.Buffer
	require.NoError(t, WritePacket(&out, parsed))
	require.Equal(t, pkt.Bytes(), out.Bytes())
}

func TestReadPacketTruncated(t *testing.T) {
	_, err := ReadPacket(bytes.NewReader([]byte{0x05, 0x00}))
	require.Error(t, err)

	// Header promises more payload than the stream carries.
	_, err = ReadPacket(bytes.NewReader([]byte{0x05, 0x00, 0x00, 0x00, 0x01}))
	require.Error(t, err)
}

func TestHandshakeV10(t *testing.T) {
	pkt, err := NewHandshakeV10(7)
	require.NoError(t, err)
	require.Equal(t, byte(0), pkt.Sequence())

	payload := pkt.Payload()
	require.Equal(t, byte(0x0a), payload[0])

	version := payload[1 : 1+len(ServerVersion)]
	require.Equal(t, ServerVersion, string(version))
	require.Equal(t, byte(0x00), payload[1+len(ServerVersion)])

	// The plugin name terminates the packet.
	require.True(t, bytes.HasSuffix(payload, append([]byte("mysql_native_password"), 0x00)))

	// The salt chunks must be NUL-free; clients read them as C strings.
	versionEnd := 1 + len(ServerVersion) + 1
	firstChunk := payload[versionEnd+4 : versionEnd+4+8]
	require.NotContains(t, firstChunk, byte(0x00))
}

// clientResponse41 builds a minimal HandshakeResponse41 for the username.
func clientResponse41(username string) *Packet {
	var buf bytes.Buffer
	buf.Write([]byte{0x0d, 0xa2, 0x00, 0x00}) // capabilities incl. protocol 4.1
	buf.Write([]byte{0x00, 0x00, 0x00, 0x01}) // max packet size
	buf.WriteByte(0x2d)                       // charset
	buf.Write(make([]byte, 23))               // reserved
	buf.WriteString(username)
	buf.WriteByte(0x00)
	buf.WriteByte(0x14)         // auth response length
	buf.Write(make([]byte, 20)) // auth response
	return NewPacket(1, buf.Bytes())
}

func TestParseHandshakeResponse(t *testing.T) {
	pkt := clientResponse41("alice")
	username, err := ParseHandshakeResponse(pkt)
	require.NoError(t, err)
	require.Equal(t, "alice", username)

	// Parsing must not disturb the packet; it is replayed verbatim.
	require.Equal(t, clientResponse41("alice").Bytes(), pkt.Bytes())
}

func TestParseHandshakeResponseErrors(t *testing.T) {
	_, err := ParseHandshakeResponse(NewPacket(1, []byte{0x01, 0x02}))
	require.True(t, trace.IsBadParameter(err))

	// Pre-4.1 clients are refused.
	old := clientResponse41("alice")
	payload := append([]byte(nil), old.Payload()...)
	payload[1] = 0x00 // clear the protocol 4.1 bit
	_, err = ParseHandshakeResponse(NewPacket(1, payload))
	require.True(t, trace.IsBadParameter(err))

	// Empty usernames never route.
	_, err = ParseHandshakeResponse(clientResponse41(""))
	require.True(t, trace.IsBadParameter(err))
}
