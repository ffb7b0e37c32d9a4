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
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// ErrProgressDeadlineExceeded reports a rollout the orchestrator has given
// up on. Callers fail fast instead of polling out the full deadline.
var ErrProgressDeadlineExceeded = trace.LimitExceeded("deployment exceeded its progress deadline")

// DeploymentReady reports whether the rollout of the deployment has fully
// converged: at least spec.replicas pods are ready, updated and available.
func DeploymentReady(dep *appsv1.Deployment) (bool, error) {
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing &&
			cond.Status == corev1.ConditionFalse &&
			cond.Reason == "ProgressDeadlineExceeded" {
			return false, ErrProgressDeadlineExceeded
		}
	}
	var want int32 = 1
	if dep.Spec.Replicas != nil {
		want = *dep.Spec.Replicas
	}
	// A deployment scaled to zero has no serving replicas and is never
	// ready, it must be woken first.
	if want == 0 {
		return false, nil
	}
	ready := dep.Status.ReadyReplicas >= want &&
		dep.Status.UpdatedReplicas >= want &&
		dep.Status.AvailableReplicas >= want
	return ready, nil
}

// CheckDeploymentReady fetches the deployment and evaluates readiness.
func CheckDeploymentReady(ctx context.Context, client kubernetes.Interface, namespace, name string) (bool, error) {
	dep, err := client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return DeploymentReady(dep)
}

// WaitForRollout polls readiness until the deployment converges, the
// deadline passes, or the rollout fails its progress deadline.
func WaitForRollout(ctx context.Context, client kubernetes.Interface, clock clockwork.Clock, namespace, name string, deadline, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		ready, err := CheckDeploymentReady(ctx, client, namespace, name)
		if err != nil {
			return trace.Wrap(err)
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return trace.LimitExceeded("deployment %v/%v not ready after %v", namespace, name, deadline)
		case <-clock.After(interval):
		}
	}
}

// ScaleDeployment patches spec.replicas of the deployment.
func ScaleDeployment(ctx context.Context, client kubernetes.Interface, namespace, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := client.AppsV1().Deployments(namespace).Patch(
		ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	return trace.Wrap(err)
}

// RestartDeployment forces a fresh rollout by stamping the restartedAt
// annotation on the pod template.
func RestartDeployment(ctx context.Context, client kubernetes.Interface, clock clockwork.Clock, namespace, name string) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"deployra.io/restartedAt":%q}}}}}`,
		clock.Now().UTC().Format(time.RFC3339))
	_, err := client.AppsV1().Deployments(namespace).Patch(
		ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	return trace.Wrap(err)
}
