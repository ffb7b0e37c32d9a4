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

// Package routing maintains the in-memory routing tables of both gateways.
//
// The tables are derived entirely from labels observed on orchestrator
// service objects; the orchestrator is the source of truth and nothing is
// persisted. Only the watcher mutates a table; lookups take the read side of
// the lock, so updates are linearizable with respect to lookups.
package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"

	"github.com/deployra/deployra-sub000"
)

// WebEntry is the routing target of one or more domains.
type WebEntry struct {
	// Namespace and Name identify the orchestrator service.
	Namespace string
	Name      string
	// Port is the service port proxied to.
	Port int32
	// ServiceID is the platform service id from the service label.
	ServiceID string
	// ScaleToZero marks the backing deployment as wake-on-request.
	ScaleToZero bool
	// Domains is the ordered set of domains owned by this service.
	Domains []string
}

// ServiceKey returns the namespace/name key of the backing service.
func (e *WebEntry) ServiceKey() string {
	return e.Namespace + "/" + e.Name
}

// WebTable maps request hosts to backing services.
type WebTable struct {
	mu       sync.RWMutex
	byDomain map[string]*WebEntry
	// byService tracks domain ownership so a service update or delete
	// replaces all of its domains atomically.
	byService map[string][]string
	log       *slog.Logger
}

// NewWebTable returns an empty web routing table.
func NewWebTable() *WebTable {
	return &WebTable{
		byDomain:  make(map[string]*WebEntry),
		byService: make(map[string][]string),
		log:       slog.With(deployra.ComponentKey, deployra.ComponentWatcher),
	}
}

// webEntryFromService recomputes the routing entry from the latest observed
// object state. Returns nil when the service carries no routable domains.
func webEntryFromService(svc *corev1.Service) *WebEntry {
	domains := domainsFromLabels(svc.Labels)
	if len(domains) == 0 {
		return nil
	}
	entry := &WebEntry{
		Namespace:   svc.Namespace,
		Name:        svc.Name,
		Port:        servicePort(svc),
		ServiceID:   svc.Labels[deployra.ServiceLabel],
		ScaleToZero: svc.Labels[deployra.ScaleToZeroLabel] == "true",
		Domains:     domains,
	}
	return entry
}

// Upsert recomputes and installs the entry for the observed service,
// replacing any previously owned domains.
func (t *WebTable) Upsert(svc *corev1.Service) {
	entry := webEntryFromService(svc)
	key := svc.Namespace + "/" + svc.Name

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeOwnedLocked(key)
	if entry == nil {
		delete(t.byService, key)
		return
	}
	for _, domain := range entry.Domains {
		t.byDomain[domain] = entry
	}
	t.byService[key] = entry.Domains
}

// Delete removes the service and all domains it owns atomically with
// respect to lookups.
func (t *WebTable) Delete(namespace, name string) {
	key := namespace + "/" + name

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeOwnedLocked(key)
	delete(t.byService, key)
}

// removeOwnedLocked drops the domains recorded for the service, skipping
// domains that have since been claimed by another service.
func (t *WebTable) removeOwnedLocked(key string) {
	for _, domain := range t.byService[key] {
		if cur, ok := t.byDomain[domain]; ok && cur.ServiceKey() == key {
			delete(t.byDomain, domain)
		}
	}
}

// Lookup resolves a request host to its routing entry. The host may carry a
// port suffix.
func (t *WebTable) Lookup(host string) (*WebEntry, bool) {
	domain := strings.ToLower(host)
	if i := strings.LastIndex(domain, ":"); i > 0 && !strings.Contains(domain[i:], "]") {
		domain = domain[:i]
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byDomain[domain]
	return entry, ok
}

// Has reports whether any entry owns the given domain. Used by the TLS
// handshake to decide whether per-domain issuance is warranted.
func (t *WebTable) Has(domain string) bool {
	_, ok := t.Lookup(domain)
	return ok
}

// Len returns the number of routable domains.
func (t *WebTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byDomain)
}

// DBEntry is the routing target of a database username.
type DBEntry struct {
	// Namespace and Name identify the orchestrator service.
	Namespace string
	Name      string
	// Port is the service port proxied to.
	Port int32
	// Usernames is the set of usernames routed to this service.
	Usernames []string
}

// DBTable maps authenticating usernames to backing database services.
type DBTable struct {
	mu        sync.RWMutex
	byUser    map[string]*DBEntry
	byService map[string][]string
	log       *slog.Logger
}

// NewDBTable returns an empty database routing table.
func NewDBTable() *DBTable {
	return &DBTable{
		byUser:    make(map[string]*DBEntry),
		byService: make(map[string][]string),
		log:       slog.With(deployra.ComponentKey, deployra.ComponentWatcher),
	}
}

// Upsert recomputes and installs the entry for the observed service. If two
// services claim the same username the last applied wins and a warning is
// emitted.
func (t *DBTable) Upsert(svc *corev1.Service) {
	username := svc.Labels[deployra.UsernameLabel]
	key := svc.Namespace + "/" + svc.Name

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeOwnedLocked(key)
	if username == "" {
		delete(t.byService, key)
		return
	}
	if prev, ok := t.byUser[username]; ok && prev.Namespace+"/"+prev.Name != key {
		t.log.Warn("username claimed by multiple services, last applied wins",
			"username", username,
			"previous", prev.Namespace+"/"+prev.Name,
			"current", key)
	}
	entry := &DBEntry{
		Namespace: svc.Namespace,
		Name:      svc.Name,
		Port:      servicePort(svc),
		Usernames: []string{username},
	}
	t.byUser[username] = entry
	t.byService[key] = entry.Usernames
}

// Delete removes the service from the table. The owned usernames are read
// before the ownership record is dropped.
func (t *DBTable) Delete(namespace, name string) {
	key := namespace + "/" + name

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeOwnedLocked(key)
	delete(t.byService, key)
}

// removeOwnedLocked drops the usernames recorded for the service. The list
// is read before the ownership record goes away, and usernames claimed by
// another service since are left in place.
func (t *DBTable) removeOwnedLocked(key string) {
	usernames := t.byService[key]
	for _, user := range usernames {
		if cur, ok := t.byUser[user]; ok && cur.Namespace+"/"+cur.Name == key {
			delete(t.byUser, user)
		}
	}
}

// Lookup resolves an authenticating username to its routing entry.
func (t *DBTable) Lookup(username string) (*DBEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.byUser[username]
	return entry, ok
}

// domainsFromLabels extracts the ordered domain-0..domain-n labels.
func domainsFromLabels(labels map[string]string) []string {
	type indexed struct {
		index  int
		domain string
	}
	var found []indexed
	for key, value := range labels {
		if !strings.HasPrefix(key, deployra.DomainLabelPrefix) || value == "" {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(key, deployra.DomainLabelPrefix))
		if err != nil {
			continue
		}
		found = append(found, indexed{index: index, domain: strings.ToLower(value)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })
	domains := make([]string, 0, len(found))
	for _, f := range found {
		domains = append(domains, f.domain)
	}
	return domains
}

// servicePort returns the first declared port of the service.
func servicePort(svc *corev1.Service) int32 {
	if len(svc.Spec.Ports) == 0 {
		return 0
	}
	return svc.Spec.Ports[0].Port
}

// ServiceKey formats a namespace/name pair the way the tables key services.
func ServiceKey(namespace, name string) string {
	return fmt.Sprintf("%s/%s", namespace, name)
}
