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
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ChallengePrefix is the well-known path prefix the ACME server probes
// during an HTTP-01 validation.
const ChallengePrefix = "/.well-known/acme-challenge/"

// HTTP01Provider keeps pending HTTP-01 challenge responses in memory so the
// plaintext listener can answer validation probes without touching disk.
// It satisfies the lego challenge.Provider interface.
type HTTP01Provider struct {
	mu sync.RWMutex
	// tokens maps challenge token to key authorization.
	tokens map[string]string
	// fileRoot, when set, is consulted for tokens written out of band.
	fileRoot string
}

// NewHTTP01Provider returns a provider. fileRoot may be empty.
func NewHTTP01Provider(fileRoot string) *HTTP01Provider {
	return &HTTP01Provider{
		tokens:   make(map[string]string),
		fileRoot: fileRoot,
	}
}

// Present records the key authorization for the token.
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = keyAuth
	return nil
}

// CleanUp forgets the token once validation completed.
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, token)
	return nil
}

// ServeChallenge answers an acme-challenge request. It reports false when
// the request is not a challenge probe or the token is unknown, leaving the
// response untouched so the caller can continue routing.
func (p *HTTP01Provider) ServeChallenge(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, ChallengePrefix) {
		return false
	}
	token := strings.TrimPrefix(r.URL.Path, ChallengePrefix)
	if token == "" || strings.Contains(token, "/") {
		return false
	}

	p.mu.RLock()
	keyAuth, ok := p.tokens[token]
	p.mu.RUnlock()

	if !ok && p.fileRoot != "" {
		data, err := os.ReadFile(filepath.Join(p.fileRoot, filepath.Clean(token)))
		if err == nil {
			keyAuth, ok = string(data), true
		}
	}
	if !ok {
		return false
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(keyAuth))
	return true
}
