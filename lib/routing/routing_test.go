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

package routing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func webService(namespace, name string, port int32, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Ports: []corev1.ServicePort{{Port: port}},
		},
	}
}

func TestWebTableDomains(t *testing.T) {
	table := NewWebTable()
	table.Upsert(webService("proj-1", "svc-1-service", 80, map[string]string{
		"type":               "web",
		"service":            "svc-1",
		"domain-0":           "example.test",
		"domain-1":           "www.example.test",
		"scaleToZeroEnabled": "true",
	}))

	// Exactly one entry per observed domain label.
	for _, domain := range []string{"example.test", "www.example.test"} {
		entry, ok := table.Lookup(domain)
		require.True(t, ok, domain)
		require.Equal(t, "proj-1", entry.Namespace)
		require.Equal(t, "svc-1-service", entry.Name)
		require.Equal(t, int32(80), entry.Port)
		require.Equal(t, "svc-1", entry.ServiceID)
		require.True(t, entry.ScaleToZero)
		require.Equal(t, []string{"example.test", "www.example.test"}, entry.Domains)
	}
	require.Equal(t, 2, table.Len())

	// Host lookups tolerate port suffixes and mixed case.
	entry, ok := table.Lookup("Example.Test:8443")
	require.True(t, ok)
	require.Equal(t, "svc-1-service", entry.Name)

	_, ok = table.Lookup("unknown.test")
	require.False(t, ok)
}

func TestWebTableUpdateReplacesDomains(t *testing.T) {
	table := NewWebTable()
	table.Upsert(webService("proj-1", "svc-1-service", 80, map[string]string{
		"domain-0": "old.test",
	}))
	table.Upsert(webService("proj-1", "svc-1-service", 80, map[string]string{
		"domain-0": "new.test",
	}))

	_, ok := table.Lookup("old.test")
	require.False(t, ok, "stale domain must be dropped on update")
	_, ok = table.Lookup("new.test")
	require.True(t, ok)
}

func TestWebTableDeleteIsAtomic(t *testing.T) {
	table := NewWebTable()
	table.Upsert(webService("proj-1", "svc-1-service", 80, map[string]string{
		"domain-0": "a.test",
		"domain-1": "b.test",
		"domain-2": "c.test",
	}))
	table.Delete("proj-1", "svc-1-service")

	for _, domain := range []string{"a.test", "b.test", "c.test"} {
		_, ok := table.Lookup(domain)
		require.False(t, ok, domain)
	}
	require.Zero(t, table.Len())
}

func TestWebTableDomainOrdering(t *testing.T) {
	labels := map[string]string{"type": "web"}
	for i := range 12 {
		labels[fmt.Sprintf("domain-%d", i)] = fmt.Sprintf("d%d.test", i)
	}
	table := NewWebTable()
	table.Upsert(webService("ns", "svc", 80, labels))

	entry, ok := table.Lookup("d0.test")
	require.True(t, ok)
	// domain-10 and domain-11 sort numerically, not lexically.
	require.Equal(t, "d9.test", entry.Domains[9])
	require.Equal(t, "d10.test", entry.Domains[10])
	require.Equal(t, "d11.test", entry.Domains[11])
}

func TestDBTableRouting(t *testing.T) {
	table := NewDBTable()
	table.Upsert(webService("proj-1", "db-1-service", 3306, map[string]string{
		"type":       "mysql",
		"username-1": "alice",
	}))

	entry, ok := table.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "db-1-service", entry.Name)
	require.Equal(t, int32(3306), entry.Port)

	_, ok = table.Lookup("bob")
	require.False(t, ok)

	table.Delete("proj-1", "db-1-service")
	_, ok = table.Lookup("alice")
	require.False(t, ok)
}

func TestDBTableDuplicateUsernameLastWins(t *testing.T) {
	table := NewDBTable()
	table.Upsert(webService("proj-1", "db-1-service", 3306, map[string]string{
		"username-1": "alice",
	}))
	table.Upsert(webService("proj-2", "db-2-service", 3306, map[string]string{
		"username-1": "alice",
	}))

	entry, ok := table.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "db-2-service", entry.Name)

	// Deleting the loser must not disturb the winner.
	table.Delete("proj-1", "db-1-service")
	entry, ok = table.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "db-2-service", entry.Name)
}
