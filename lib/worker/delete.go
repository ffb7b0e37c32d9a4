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
	"fmt"

	"github.com/gravitational/trace"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/queue"
)

// controlService starts or stops a service by flipping its replica count.
// Web services also get their activation flag mirrored so the gateway's
// wake-up path agrees with the requested state.
func (w *Worker) controlService(ctx context.Context, m *queue.ControlService) error {
	var replicas int32
	active := false
	if m.Action == queue.ActionStart {
		replicas = 1
		active = true
	}
	if err := kube.ScaleDeployment(ctx, w.cfg.KubeClient, m.ProjectID, deploymentName(m.ServiceID), replicas); err != nil {
		return trace.Wrap(err)
	}
	if m.ServiceType == deployra.ServiceTypeWeb {
		if err := w.cfg.Store.SetActive(ctx, m.ProjectID, deploymentName(m.ServiceID), active); err != nil {
			w.log.WarnContext(ctx, "Failed to mirror activation state.", "service", m.ServiceID, "error", err)
		}
	}
	w.log.InfoContext(ctx, "Service state changed.", "service", m.ServiceID, "action", m.Action)
	return nil
}

// deleteService removes every object of a service. Each delete is attempted
// independently so a missing or stuck object never strands the rest.
func (w *Worker) deleteService(ctx context.Context, m *queue.DeleteService) error {
	namespace := m.ProjectID
	opts := metav1.DeleteOptions{}
	background := metav1.DeletePropagationBackground
	pvcOpts := metav1.DeleteOptions{PropagationPolicy: &background}

	deletes := []struct {
		kind string
		name string
		fn   func() error
	}{
		{"deployment", deploymentName(m.ServiceID), func() error {
			return w.cfg.KubeClient.AppsV1().Deployments(namespace).Delete(ctx, deploymentName(m.ServiceID), opts)
		}},
		{"service", serviceName(m.ServiceID), func() error {
			return w.cfg.KubeClient.CoreV1().Services(namespace).Delete(ctx, serviceName(m.ServiceID), opts)
		}},
		{"autoscaler", hpaName(m.ServiceID), func() error {
			return w.cfg.KubeClient.AutoscalingV2().HorizontalPodAutoscalers(namespace).Delete(ctx, hpaName(m.ServiceID), opts)
		}},
		{"volume claim", pvcName(m.ServiceID), func() error {
			return w.cfg.KubeClient.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, pvcName(m.ServiceID), pvcOpts)
		}},
		{"pull secret", pullSecretName(m.ServiceID), func() error {
			return w.cfg.KubeClient.CoreV1().Secrets(namespace).Delete(ctx, pullSecretName(m.ServiceID), opts)
		}},
		{"env secret", envSecretName(m.ServiceID), func() error {
			return w.cfg.KubeClient.CoreV1().Secrets(namespace).Delete(ctx, envSecretName(m.ServiceID), opts)
		}},
	}
	for _, eng := range engines {
		suffix := eng.confSuffix
		deletes = append(deletes, struct {
			kind string
			name string
			fn   func() error
		}{"config map", m.ServiceID + suffix, func() error {
			return w.cfg.KubeClient.CoreV1().ConfigMaps(namespace).Delete(ctx, m.ServiceID+suffix, opts)
		}})
	}

	var failed int
	for _, del := range deletes {
		err := del.fn()
		if err != nil && !kubeerrors.IsNotFound(err) {
			failed++
			w.log.ErrorContext(ctx, "Failed to delete object.",
				"kind", del.kind, "name", del.name, "namespace", namespace, "error", err)
		}
	}
	if failed > 0 {
		return trace.Errorf("failed to delete %d objects of service %v", failed, m.ServiceID)
	}
	w.log.InfoContext(ctx, "Service deleted.", "service", m.ServiceID, "namespace", namespace)
	return nil
}

// deleteProject removes the isolation policies of the project and then its
// namespace, cascading every object in it. When the namespace is already
// gone the remaining per-service objects are swept by label in case an
// earlier teardown was interrupted.
func (w *Worker) deleteProject(ctx context.Context, m *queue.DeleteProject) error {
	// Policies go first so nothing blocks finalizer traffic during the
	// namespace teardown. Best effort, the namespace delete cascades them
	// anyway.
	policies, listErr := w.cfg.KubeClient.NetworkingV1().NetworkPolicies(m.ProjectID).List(ctx, metav1.ListOptions{})
	if listErr != nil && !kubeerrors.IsNotFound(listErr) {
		w.log.WarnContext(ctx, "Failed to list network policies.", "namespace", m.ProjectID, "error", listErr)
	}
	if listErr == nil {
		for i := range policies.Items {
			name := policies.Items[i].Name
			err := w.cfg.KubeClient.NetworkingV1().NetworkPolicies(m.ProjectID).Delete(ctx, name, metav1.DeleteOptions{})
			if err != nil && !kubeerrors.IsNotFound(err) {
				w.log.WarnContext(ctx, "Failed to delete network policy.", "namespace", m.ProjectID, "name", name, "error", err)
			}
		}
	}

	err := w.cfg.KubeClient.CoreV1().Namespaces().Delete(ctx, m.ProjectID, metav1.DeleteOptions{})
	if err == nil {
		w.log.InfoContext(ctx, "Project namespace deleted.", "project", m.ProjectID)
		return nil
	}
	if !kubeerrors.IsNotFound(err) {
		return trace.Wrap(err)
	}

	selector := fmt.Sprintf("%v=%v,%v=%v",
		deployra.ManagedByLabel, deployra.ManagedByValue,
		deployra.ProjectLabel, m.ProjectID)
	deployments, err := w.cfg.KubeClient.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var errs []error
	for i := range deployments.Items {
		item := &deployments.Items[i]
		serviceID := item.Labels[deployra.ServiceLabel]
		if serviceID == "" {
			continue
		}
		errs = append(errs, w.deleteService(ctx, &queue.DeleteService{
			OrganizationID: m.OrganizationID,
			ProjectID:      item.Namespace,
			ServiceID:      serviceID,
		}))
	}
	return trace.NewAggregate(errs...)
}

// deleteOrganization removes every namespace labeled with the organization,
// then sweeps any autoscalers of the organization stranded outside them.
func (w *Worker) deleteOrganization(ctx context.Context, m *queue.DeleteOrganization) error {
	selector := fmt.Sprintf("%v=%v,%v=%v",
		deployra.ManagedByLabel, deployra.ManagedByValue,
		deployra.OrganizationLabel, m.OrganizationID)
	namespaces, err := w.cfg.KubeClient.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	var errs []error
	for i := range namespaces.Items {
		name := namespaces.Items[i].Name
		err := w.cfg.KubeClient.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !kubeerrors.IsNotFound(err) {
			errs = append(errs, trace.Wrap(err))
			continue
		}
		w.log.InfoContext(ctx, "Namespace deleted.", "namespace", name, "organization", m.OrganizationID)
	}

	autoscalers, err := w.cfg.KubeClient.AutoscalingV2().HorizontalPodAutoscalers(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		errs = append(errs, trace.Wrap(err))
		return trace.NewAggregate(errs...)
	}
	for i := range autoscalers.Items {
		hpa := &autoscalers.Items[i]
		err := w.cfg.KubeClient.AutoscalingV2().HorizontalPodAutoscalers(hpa.Namespace).Delete(ctx, hpa.Name, metav1.DeleteOptions{})
		if err != nil && !kubeerrors.IsNotFound(err) {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}
