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

package worker

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/kube"
)

// Waiting reasons that mean a pod will never become ready on its own.
var terminalWaitingReasons = map[string]bool{
	"ImagePullBackOff": true,
	"InvalidImageName": true,
	"ErrImagePull":     true,
}

// RunSweeper periodically scans platform pods and parks deployments whose
// pods are stuck crash-looping or failing to pull their image. Parking means
// scaling to zero and raising the crash-loop flag so the gateway stops
// waking the service.
func (w *Worker) RunSweeper(ctx context.Context) error {
	log := slog.With(deployra.ComponentKey, deployra.ComponentSweeper)
	ticker := w.cfg.Clock.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if err := w.Sweep(ctx); err != nil {
			log.ErrorContext(ctx, "Sweep failed.", "error", err)
		}
	}
}

// Sweep performs one scan over platform pods.
func (w *Worker) Sweep(ctx context.Context) error {
	log := slog.With(deployra.ComponentKey, deployra.ComponentSweeper)
	pods, err := w.cfg.KubeClient.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: deployra.ManagedByLabel + "=" + deployra.ManagedByValue,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// A deployment with several stuck pods is parked once.
	parked := map[string]bool{}
	var errs []error
	for i := range pods.Items {
		pod := &pods.Items[i]
		reason, stuck := w.stuckReason(pod)
		if !stuck {
			continue
		}
		deployment := pod.Labels[appLabel]
		if deployment == "" {
			continue
		}
		deployment = deploymentName(deployment)
		key := pod.Namespace + "/" + deployment
		if parked[key] {
			continue
		}
		parked[key] = true
		log.WarnContext(ctx, "Parking stuck deployment.",
			"namespace", pod.Namespace, "deployment", deployment, "pod", pod.Name, "reason", reason)
		if err := w.park(ctx, pod.Namespace, deployment); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

// stuckReason reports whether any container of the pod is in a state the
// orchestrator cannot recover from without a new deploy.
func (w *Worker) stuckReason(pod *corev1.Pod) (string, bool) {
	for _, status := range pod.Status.ContainerStatuses {
		waiting := status.State.Waiting
		if waiting == nil {
			continue
		}
		if waiting.Reason == "CrashLoopBackOff" && status.RestartCount > w.cfg.CrashLoopRestartThreshold {
			return waiting.Reason, true
		}
		if terminalWaitingReasons[waiting.Reason] {
			return waiting.Reason, true
		}
	}
	return "", false
}

func (w *Worker) park(ctx context.Context, namespace, deployment string) error {
	err := kube.ScaleDeployment(ctx, w.cfg.KubeClient, namespace, deployment, 0)
	if err != nil && !kubeerrors.IsNotFound(err) && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if err := w.cfg.Store.SetActive(ctx, namespace, deployment, false); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(w.cfg.Store.SetCrashLoop(ctx, namespace, deployment))
}
