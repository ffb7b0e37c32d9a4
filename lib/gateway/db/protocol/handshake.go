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
	"crypto/rand"

	"github.com/gravitational/trace"
)

// ServerVersion is advertised in the synthetic greeting. Clients see a
// plain MySQL 8 server regardless of the backend behind the gateway.
const ServerVersion = "8.0.35"

// Capability flags of the synthetic greeting.
const (
	clientLongPassword     = 0x00000001
	clientProtocol41       = 0x00000200
	clientSecureConnection = 0x00008000
	clientPluginAuth       = 0x00080000

	serverCapabilities = clientLongPassword | clientProtocol41 |
		clientSecureConnection | clientPluginAuth
)

const (
	// authPluginName is the authentication method offered to clients. The
	// gateway never verifies credentials itself; the backend re-challenges
	// with its own salt after the splice is established.
	authPluginName = "mysql_native_password"

	// saltSize is the total auth-plugin-data length: 8 bytes in the first
	// chunk, 12 in the second, and a trailing NUL.
	saltSize = 20

	// charsetUTF8MB4 is utf8mb4_general_ci.
	charsetUTF8MB4 = 0x2d

	// statusAutocommit is the only status flag the greeting carries.
	statusAutocommit = 0x0002
)

// NewHandshakeV10 builds the protocol version 10 greeting the gateway sends
// before it knows which backend the connection belongs to.
func NewHandshakeV10(threadID uint32) (*Packet, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	// MySQL transmits the salt as a C string, so it must not contain NULs.
	for i := range salt {
		salt[i] = salt[i]%92 + 33
	}

	var buf bytes.Buffer
	buf.WriteByte(0x0a)
	buf.WriteString(ServerVersion)
	buf.WriteByte(0x00)
	buf.Write([]byte{
		byte(threadID), byte(threadID >> 8), byte(threadID >> 16), byte(threadID >> 24),
	})
	buf.Write(salt[:8])
	buf.WriteByte(0x00)
	buf.WriteByte(byte(serverCapabilities))
	buf.WriteByte(byte(serverCapabilities >> 8))
	buf.WriteByte(charsetUTF8MB4)
	buf.WriteByte(byte(statusAutocommit))
	buf.WriteByte(byte(statusAutocommit >> 8))
	buf.WriteByte(byte(serverCapabilities >> 16))
	buf.WriteByte(byte(serverCapabilities >> 24))
	buf.WriteByte(saltSize + 1)
	buf.Write(make([]byte, 10))
	buf.Write(salt[8:])
	buf.WriteByte(0x00)
	buf.WriteString(authPluginName)
	buf.WriteByte(0x00)

	return NewPacket(0, buf.Bytes()), nil
}

// ParseHandshakeResponse extracts the authenticating username from the
// client's HandshakeResponse41 packet. The packet itself is retained by the
// caller and replayed to the backend untouched.
func ParseHandshakeResponse(pkt *Packet) (string, error) {
	payload := pkt.Payload()
	// Client flags (4), max packet size (4), charset (1), reserved (23).
	const fixedPrefix = 4 + 4 + 1 + 23
	if len(payload) < fixedPrefix+1 {
		return "", trace.BadParameter("handshake response of %v bytes is truncated", len(payload))
	}
	capabilities := uint32LE(payload[:4])
	if capabilities&clientProtocol41 == 0 {
		return "", trace.BadParameter("client does not speak protocol 4.1")
	}
	rest := payload[fixedPrefix:]
	end := bytes.IndexByte(rest, 0x00)
	if end < 0 {
		return "", trace.BadParameter("handshake response carries no terminated username")
	}
	username := string(rest[:end])
	if username == "" {
		return "", trace.BadParameter("handshake response carries an empty username")
	}
	return username, nil
}
