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

package certmgr

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/gravitational/trace"

	"github.com/deployra/deployra-sub000/lib/defaults"
)

// Record holds one certificate with its chain and private key.
type Record struct {
	// CertPEM is the PEM-encoded leaf plus chain.
	CertPEM []byte
	// KeyPEM is the PEM-encoded private key.
	KeyPEM []byte
	// Leaf is the parsed end-entity certificate.
	Leaf *x509.Certificate
	// Certificate is ready for use in a TLS handshake.
	Certificate *tls.Certificate
}

// ParseRecord parses and validates certificate material. The chain must be
// non-empty and the leaf must parse.
func ParseRecord(certPEM, keyPEM []byte) (*Record, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, trace.BadParameter("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("parsing certificate leaf: %v", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, trace.BadParameter("assembling key pair: %v", err)
	}
	pair.Leaf = leaf
	return &Record{
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Leaf:        leaf,
		Certificate: &pair,
	}, nil
}

// ValidAt reports whether the record may still be served at the given time.
// The comparison is strict: a certificate whose remaining lifetime equals
// the renewal window is already due.
func (r *Record) ValidAt(now time.Time) bool {
	return now.Before(r.Leaf.NotAfter.Add(-defaults.CertRenewalWindow))
}
