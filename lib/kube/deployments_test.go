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
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

func testDeployment(replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: "proj-1", Name: "svc-1-deployment"},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To(replicas)},
	}
}

func TestDeploymentReady(t *testing.T) {
	dep := testDeployment(2)
	ready, err := DeploymentReady(dep)
	require.NoError(t, err)
	require.False(t, ready)

	dep.Status = appsv1.DeploymentStatus{
		ReadyReplicas:     2,
		UpdatedReplicas:   2,
		AvailableReplicas: 2,
	}
	ready, err = DeploymentReady(dep)
	require.NoError(t, err)
	require.True(t, ready)

	// One stale replica keeps the rollout unconverged.
	dep.Status.UpdatedReplicas = 1
	ready, err = DeploymentReady(dep)
	require.NoError(t, err)
	require.False(t, ready)

	// Zero desired replicas is never ready, the deployment must be woken.
	ready, err = DeploymentReady(testDeployment(0))
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDeploymentReadyProgressDeadline(t *testing.T) {
	dep := testDeployment(1)
	dep.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:   appsv1.DeploymentProgressing,
		Status: corev1.ConditionFalse,
		Reason: "ProgressDeadlineExceeded",
	}}
	_, err := DeploymentReady(dep)
	require.ErrorIs(t, err, ErrProgressDeadlineExceeded)
}

func TestScaleDeployment(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(testDeployment(0))

	require.NoError(t, ScaleDeployment(ctx, client, "proj-1", "svc-1-deployment", 1))

	dep, err := client.AppsV1().Deployments("proj-1").Get(ctx, "svc-1-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(1), *dep.Spec.Replicas)

	require.NoError(t, ScaleDeployment(ctx, client, "proj-1", "svc-1-deployment", 0))
	dep, err = client.AppsV1().Deployments("proj-1").Get(ctx, "svc-1-deployment", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(0), *dep.Spec.Replicas)
}
