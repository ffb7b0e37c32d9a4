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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/deployra/deployra-sub000/lib/kv"
)

func validDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		OrganizationID: "org-1",
		ProjectID:      "proj-1",
		ServiceID:      "svc-1",
		ServiceType:    "web",
		Image:          "registry.example.test/org-1/svc-1:latest",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &DeployService{Service: validDescriptor()}
	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	deploy, ok := decoded.(*DeployService)
	require.True(t, ok)
	require.Equal(t, "svc-1", deploy.Service.ServiceID)
	// Defaults applied at the decode boundary.
	require.Equal(t, int32(1), deploy.Service.Scaling.MinReplicas)
	require.Equal(t, int32(1), deploy.Service.Scaling.Replicas)
	require.Equal(t, []PortMapping{{ServicePort: 80, ContainerPort: 3000}}, deploy.Service.Ports)

	control, err := Decode([]byte(`{"type":"control-service","organizationId":"org-1","projectId":"proj-1","serviceId":"svc-1","action":"stop"}`))
	require.NoError(t, err)
	require.Equal(t, ActionStop, control.(*ControlService).Action)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reboot-universe"}`))
	require.True(t, trace.IsBadParameter(err))

	_, err = Decode([]byte(`not json`))
	require.True(t, trace.IsBadParameter(err))

	_, err = Decode([]byte(`{"type":"control-service","action":"dance"}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestDescriptorValidation(t *testing.T) {
	d := validDescriptor()
	require.NoError(t, d.CheckAndSetDefaults())

	d = validDescriptor()
	d.ServiceType = "quantum"
	require.Error(t, d.CheckAndSetDefaults())

	d = validDescriptor()
	d.Scaling.MinReplicas = 3
	d.Scaling.MaxReplicas = 2
	require.Error(t, d.CheckAndSetDefaults())

	d = validDescriptor()
	d.Ports = []PortMapping{{ServicePort: 0, ContainerPort: 3000}}
	require.Error(t, d.CheckAndSetDefaults())

	d = validDescriptor()
	d.Ports = []PortMapping{{ServicePort: 80, ContainerPort: 70000}}
	require.Error(t, d.CheckAndSetDefaults())

	// Extreme but legal port values are accepted.
	d = validDescriptor()
	d.Ports = []PortMapping{{ServicePort: 1, ContainerPort: 65535}}
	require.NoError(t, d.CheckAndSetDefaults())

	d = validDescriptor()
	d.OrganizationID = ""
	require.Error(t, d.CheckAndSetDefaults())
}

func TestStorageForcesSingleReplica(t *testing.T) {
	d := validDescriptor()
	d.ServiceType = "private"
	d.Scaling.Replicas = 5
	d.Storage = &Storage{Size: "10Gi"}
	require.NoError(t, d.CheckAndSetDefaults())

	require.True(t, d.HasStorage())
	require.Equal(t, int32(1), d.EffectiveReplicas())

	// Autoscaling never applies to single-writer storage.
	d.Scaling.AutoScalingEnabled = true
	d.Scaling.MaxReplicas = 5
	d.Scaling.TargetCPUUtilizationPercentage = 70
	require.False(t, d.WantsAutoscaler())
}

func TestWantsAutoscaler(t *testing.T) {
	d := validDescriptor()
	d.Scaling.AutoScalingEnabled = true
	d.Scaling.MinReplicas = 1
	d.Scaling.MaxReplicas = 1
	d.Scaling.TargetCPUUtilizationPercentage = 70
	require.NoError(t, d.CheckAndSetDefaults())
	// Equal bounds still get an autoscaler.
	require.True(t, d.WantsAutoscaler())

	d.Scaling.TargetCPUUtilizationPercentage = 0
	require.False(t, d.WantsAutoscaler())
}

func TestConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	store, err := kv.NewStore(ctx, kv.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	var mu sync.Mutex
	var got []string
	consumer, err := NewConsumer(ConsumerConfig{
		Store:      store,
		Queue:      "test:queue",
		PopTimeout: 50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		Handle: func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg.Type())
			return nil
		},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	payload, err := Encode(&DeleteProject{OrganizationID: "org-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, "test:queue", payload))
	// Undecodable garbage is skipped without stalling the loop.
	require.NoError(t, store.Enqueue(ctx, "test:queue", []byte(`{"type":"nope"}`)))
	payload, err = Encode(&DeleteOrganization{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, "test:queue", payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{TypeDeleteProject, TypeDeleteOrganization}, got)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer didn't exit after cancellation")
	}
}
