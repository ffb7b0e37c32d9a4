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

package kube

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestServiceWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := fake.NewSimpleClientset()

	var mu sync.Mutex
	upserts := make(map[string]*corev1.Service)
	deletes := make(map[string]bool)

	watcher, err := NewServiceWatcher(ServiceWatcherConfig{
		Client: client,
		OnUpsert: func(svc *corev1.Service) {
			mu.Lock()
			defer mu.Unlock()
			upserts[svc.Namespace+"/"+svc.Name] = svc
		},
		OnDelete: func(namespace, name string) {
			mu.Lock()
			defer mu.Unlock()
			deletes[namespace+"/"+name] = true
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "proj-1",
			Name:      "svc-1-service",
			Labels:    map[string]string{"type": "web", "domain-0": "example.test"},
		},
	}
	_, err = client.CoreV1().Services("proj-1").Create(ctx, svc, metav1.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := upserts["proj-1/svc-1-service"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// An update re-delivers the full latest state.
	svc.Labels["domain-1"] = "www.example.test"
	_, err = client.CoreV1().Services("proj-1").Update(ctx, svc, metav1.UpdateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		got, ok := upserts["proj-1/svc-1-service"]
		return ok && got.Labels["domain-1"] == "www.example.test"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.CoreV1().Services("proj-1").Delete(ctx, "svc-1-service", metav1.DeleteOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deletes["proj-1/svc-1-service"]
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher didn't exit after cancellation")
	}
}

func TestServiceWatcherConfigValidation(t *testing.T) {
	_, err := NewServiceWatcher(ServiceWatcherConfig{})
	require.Error(t, err)
}
