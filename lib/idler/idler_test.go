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

package idler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kv"
)

type env struct {
	scaler *Scaler
	client *fake.Clientset
	store  *kv.Store
	clock  *clockwork.FakeClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	mr := miniredis.RunT(t)
	store, err := kv.NewStore(ctx, kv.Config{Addr: mr.Addr(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := fake.NewSimpleClientset()
	scaler, err := New(Config{
		KubeClient:  client,
		Store:       store,
		Clock:       clock,
		IdleTimeout: 10 * time.Minute,
	})
	require.NoError(t, err)
	return &env{scaler: scaler, client: client, store: store, clock: clock}
}

// addService registers a scale-to-zero web service with a running
// deployment.
func (e *env) addService(t *testing.T, namespace, serviceID string) {
	t.Helper()
	ctx := context.Background()

	_, err := e.client.CoreV1().Services(namespace).Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      serviceID + defaults.ServiceSuffix,
			Labels: map[string]string{
				deployra.ManagedByLabel:   deployra.ManagedByValue,
				deployra.TypeLabel:        deployra.ServiceTypeWeb,
				deployra.ScaleToZeroLabel: "true",
				deployra.ServiceLabel:     serviceID,
			},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = e.client.AppsV1().Deployments(namespace).Create(ctx, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      serviceID + defaults.DeploymentSuffix,
		},
		Spec: appsv1.DeploymentSpec{Replicas: ptr.To(int32(1))},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
}

func (e *env) replicas(t *testing.T, namespace, serviceID string) int32 {
	t.Helper()
	dep, err := e.client.AppsV1().Deployments(namespace).Get(
		context.Background(), serviceID+defaults.DeploymentSuffix, metav1.GetOptions{})
	require.NoError(t, err)
	return *dep.Spec.Replicas
}

func TestIdleServiceScalesToZero(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addService(t, "proj-1", "svc-1")

	require.NoError(t, e.store.RecordAccess(ctx, "proj-1", "svc-1"+defaults.DeploymentSuffix))
	e.clock.Advance(11 * time.Minute)

	require.NoError(t, e.scaler.Scan(ctx))
	require.Equal(t, int32(0), e.replicas(t, "proj-1", "svc-1"))

	active, known, err := e.store.Active(ctx, "proj-1", "svc-1"+defaults.DeploymentSuffix)
	require.NoError(t, err)
	require.True(t, known)
	require.False(t, active)
}

func TestRecentlyAccessedServiceStaysUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addService(t, "proj-1", "svc-1")

	require.NoError(t, e.store.RecordAccess(ctx, "proj-1", "svc-1"+defaults.DeploymentSuffix))
	e.clock.Advance(9 * time.Minute)

	require.NoError(t, e.scaler.Scan(ctx))
	require.Equal(t, int32(1), e.replicas(t, "proj-1", "svc-1"))
}

func TestNeverAccessedServiceStaysUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addService(t, "proj-1", "svc-1")

	// No access record exists. A fresh deploy must not be parked before
	// its first request.
	e.clock.Advance(24 * time.Hour)
	require.NoError(t, e.scaler.Scan(ctx))
	require.Equal(t, int32(1), e.replicas(t, "proj-1", "svc-1"))
}

func TestParkedServiceSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.addService(t, "proj-1", "svc-1")

	require.NoError(t, e.store.RecordAccess(ctx, "proj-1", "svc-1"+defaults.DeploymentSuffix))
	e.clock.Advance(11 * time.Minute)
	require.NoError(t, e.scaler.Scan(ctx))
	require.Equal(t, int32(0), e.replicas(t, "proj-1", "svc-1"))

	// Manually scale back up without touching the activation cache; the
	// next scan must not fight the inactive flag by parking again through
	// the orchestrator.
	actions := len(e.client.Actions())
	require.NoError(t, e.scaler.Scan(ctx))
	// Only the service list hits the orchestrator on the second scan.
	require.Len(t, e.client.Actions(), actions+1)
}

func TestOptedOutServiceIgnored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// A web service without the scale-to-zero label never matches the scan
	// selector.
	_, err := e.client.CoreV1().Services("proj-1").Create(ctx, &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "proj-1",
			Name:      "svc-2" + defaults.ServiceSuffix,
			Labels: map[string]string{
				deployra.ManagedByLabel: deployra.ManagedByValue,
				deployra.TypeLabel:      deployra.ServiceTypeWeb,
				deployra.ServiceLabel:   "svc-2",
			},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
	_, err = e.client.AppsV1().Deployments("proj-1").Create(ctx, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "proj-1",
			Name:      "svc-2" + defaults.DeploymentSuffix,
		},
		Spec: appsv1.DeploymentSpec{Replicas: ptr.To(int32(1))},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.store.RecordAccess(ctx, "proj-1", "svc-2"+defaults.DeploymentSuffix))
	e.clock.Advance(time.Hour)

	require.NoError(t, e.scaler.Scan(ctx))
	require.Equal(t, int32(1), e.replicas(t, "proj-1", "svc-2"))
}
