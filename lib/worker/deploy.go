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
	"encoding/json"
	"errors"

	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/queue"
)

// deployService runs the reconciliation pipeline and settles the activation
// state and status report from the outcome.
func (w *Worker) deployService(ctx context.Context, d *queue.ServiceDescriptor) error {
	namespace, deployment := d.ProjectID, deploymentName(d.ServiceID)

	if err := w.reconcile(ctx, d); err != nil {
		if setErr := w.cfg.Store.SetActive(ctx, namespace, deployment, false); setErr != nil {
			w.log.WarnContext(ctx, "Failed to cache activation state.", "deployment", deployment, "error", setErr)
		}
		w.reportStatus(ctx, d, StatusFailed, err.Error())
		return trace.Wrap(err)
	}

	if err := w.cfg.Store.SetActive(ctx, namespace, deployment, true); err != nil {
		w.log.WarnContext(ctx, "Failed to cache activation state.", "deployment", deployment, "error", err)
	}
	if err := w.cfg.Store.ClearCrashLoop(ctx, namespace, deployment); err != nil {
		w.log.WarnContext(ctx, "Failed to clear crash-loop flag.", "deployment", deployment, "error", err)
	}
	w.reportStatus(ctx, d, StatusDeployed, "")
	w.log.InfoContext(ctx, "Deployed.", "service", d.ServiceID, "project", d.ProjectID)
	return nil
}

// reconcile applies the pipeline in strict order. Any failure aborts the
// whole message.
func (w *Worker) reconcile(ctx context.Context, d *queue.ServiceDescriptor) error {
	if err := w.ensureNamespace(ctx, d.OrganizationID, d.ProjectID); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureStorage(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureEnvSecret(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensurePullSecret(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureConfigMap(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureDeployment(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureService(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	if err := w.ensureAutoscaler(ctx, d); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(kube.WaitForRollout(ctx, w.cfg.KubeClient, w.cfg.Clock,
		d.ProjectID, deploymentName(d.ServiceID),
		w.cfg.ReadinessDeadline, w.cfg.ReadinessPollInterval))
}

func (w *Worker) ensureNamespace(ctx context.Context, organizationID, projectID string) error {
	_, err := w.cfg.KubeClient.CoreV1().Namespaces().Get(ctx, projectID, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !kubeerrors.IsNotFound(err) {
		return trace.Wrap(err)
	}
	_, err = w.cfg.KubeClient.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   projectID,
			Labels: namespaceLabels(organizationID, projectID),
		},
	}, metav1.CreateOptions{})
	if kubeerrors.IsAlreadyExists(err) {
		return nil
	}
	return trace.Wrap(err)
}

// ensureStorage reconciles the claim. Requests only ever grow; a shrunk
// descriptor leaves the claim untouched.
func (w *Worker) ensureStorage(ctx context.Context, d *queue.ServiceDescriptor) error {
	claims := w.cfg.KubeClient.CoreV1().PersistentVolumeClaims(d.ProjectID)
	existing, err := claims.Get(ctx, pvcName(d.ServiceID), metav1.GetOptions{})
	if err != nil && !kubeerrors.IsNotFound(err) {
		return trace.Wrap(err)
	}
	found := err == nil

	if !d.HasStorage() {
		if !found {
			return nil
		}
		propagation := metav1.DeletePropagationBackground
		err := claims.Delete(ctx, pvcName(d.ServiceID), metav1.DeleteOptions{PropagationPolicy: &propagation})
		if kubeerrors.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}

	want, err := buildPVC(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if !found {
		_, err := claims.Create(ctx, want, metav1.CreateOptions{})
		return trace.Wrap(err)
	}

	wantSize := storageRequest(want)
	current := storageRequest(existing)
	if wantSize.Cmp(current) <= 0 {
		return nil
	}

	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"resources": map[string]any{
				"requests": map[string]string{
					string(corev1.ResourceStorage): wantSize.String(),
				},
			},
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := claims.Patch(ctx, pvcName(d.ServiceID), types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return trace.Wrap(err)
	}
	w.log.InfoContext(ctx, "Grew storage claim.", "claim", pvcName(d.ServiceID), "size", wantSize.String())

	// MySQL only resizes its filesystem when the pod restarts, so force a
	// fresh rollout after growing the volume.
	if d.ServiceType == deployra.ServiceTypeMySQL {
		err := kube.RestartDeployment(ctx, w.cfg.KubeClient, w.cfg.Clock, d.ProjectID, deploymentName(d.ServiceID))
		if err != nil && !kubeerrors.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (w *Worker) ensureEnvSecret(ctx context.Context, d *queue.ServiceDescriptor) error {
	want := buildEnvSecret(d)
	secrets := w.cfg.KubeClient.CoreV1().Secrets(d.ProjectID)
	_, err := secrets.Create(ctx, want, metav1.CreateOptions{})
	if kubeerrors.IsAlreadyExists(err) {
		_, err = secrets.Update(ctx, want, metav1.UpdateOptions{})
	}
	return trace.Wrap(err)
}

func (w *Worker) ensureConfigMap(ctx context.Context, d *queue.ServiceDescriptor) error {
	want := buildEngineConfigMap(d)
	if want == nil {
		return nil
	}
	maps := w.cfg.KubeClient.CoreV1().ConfigMaps(d.ProjectID)
	_, err := maps.Create(ctx, want, metav1.CreateOptions{})
	if kubeerrors.IsAlreadyExists(err) {
		_, err = maps.Update(ctx, want, metav1.UpdateOptions{})
	}
	return trace.Wrap(err)
}

// ensureDeployment creates the deployment or patches the fields a redeploy
// may change.
func (w *Worker) ensureDeployment(ctx context.Context, d *queue.ServiceDescriptor) error {
	want, err := buildDeployment(d)
	if err != nil {
		return trace.Wrap(err)
	}
	deployments := w.cfg.KubeClient.AppsV1().Deployments(d.ProjectID)

	existing, err := deployments.Get(ctx, want.Name, metav1.GetOptions{})
	if kubeerrors.IsNotFound(err) {
		_, err := deployments.Create(ctx, want, metav1.CreateOptions{})
		return trace.Wrap(err)
	}
	if err != nil {
		return trace.Wrap(err)
	}

	patch, err := deploymentPatch(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := deployments.Patch(ctx, want.Name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return trace.Wrap(err)
	}

	// A rollout the orchestrator gave up on needs a forced restart; a
	// no-op patch would leave it wedged.
	if _, readyErr := kube.DeploymentReady(existing); errors.Is(readyErr, kube.ErrProgressDeadlineExceeded) {
		w.log.InfoContext(ctx, "Forcing rollout past exceeded progress deadline.", "deployment", want.Name)
		if err := kube.RestartDeployment(ctx, w.cfg.KubeClient, w.cfg.Clock, d.ProjectID, want.Name); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// deploymentPatch builds the strategic merge patch of a redeploy: image,
// resources, the full port list (replaced, not merged), the env secret
// reference and probes.
func deploymentPatch(d *queue.ServiceDescriptor) ([]byte, error) {
	want, err := buildDeployment(d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	container := want.Spec.Template.Spec.Containers[0]

	ports := make([]any, 0, len(container.Ports)+1)
	// The replace directive swaps the whole list; stale ports never
	// linger after a merge.
	ports = append(ports, map[string]any{"$patch": "replace"})
	for _, p := range container.Ports {
		ports = append(ports, map[string]any{"containerPort": p.ContainerPort})
	}

	patchContainer := map[string]any{
		"name":      container.Name,
		"image":     container.Image,
		"resources": container.Resources,
		"ports":     ports,
		"envFrom":   container.EnvFrom,
	}
	if container.LivenessProbe != nil {
		patchContainer["livenessProbe"] = container.LivenessProbe
	}
	if container.ReadinessProbe != nil {
		patchContainer["readinessProbe"] = container.ReadinessProbe
	}

	patch := map[string]any{
		"metadata": map[string]any{"labels": want.Labels},
		"spec": map[string]any{
			"replicas": d.EffectiveReplicas(),
			"template": map[string]any{
				"metadata": map[string]any{"labels": want.Spec.Template.Labels},
				"spec": map[string]any{
					"containers": []any{patchContainer},
				},
			},
		},
	}
	data, err := json.Marshal(patch)
	return data, trace.Wrap(err)
}

// ensureService creates or replaces the service object, preserving the
// allocated cluster IP on replace.
func (w *Worker) ensureService(ctx context.Context, d *queue.ServiceDescriptor) error {
	want := buildService(d)
	services := w.cfg.KubeClient.CoreV1().Services(d.ProjectID)

	existing, err := services.Get(ctx, want.Name, metav1.GetOptions{})
	if kubeerrors.IsNotFound(err) {
		_, err := services.Create(ctx, want, metav1.CreateOptions{})
		return trace.Wrap(err)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	want.ResourceVersion = existing.ResourceVersion
	want.Spec.ClusterIP = existing.Spec.ClusterIP
	_, err = services.Update(ctx, want, metav1.UpdateOptions{})
	return trace.Wrap(err)
}

// ensureAutoscaler creates or replaces the autoscaler when the descriptor
// wants one, and deletes any leftover when it doesn't.
func (w *Worker) ensureAutoscaler(ctx context.Context, d *queue.ServiceDescriptor) error {
	autoscalers := w.cfg.KubeClient.AutoscalingV2().HorizontalPodAutoscalers(d.ProjectID)
	if !d.WantsAutoscaler() {
		err := autoscalers.Delete(ctx, hpaName(d.ServiceID), metav1.DeleteOptions{})
		if kubeerrors.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}

	want := buildHPA(d)
	existing, err := autoscalers.Get(ctx, want.Name, metav1.GetOptions{})
	if kubeerrors.IsNotFound(err) {
		_, err := autoscalers.Create(ctx, want, metav1.CreateOptions{})
		return trace.Wrap(err)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	want.ResourceVersion = existing.ResourceVersion
	_, err = autoscalers.Update(ctx, want, metav1.UpdateOptions{})
	return trace.Wrap(err)
}

// storageRequest returns the current storage request of a claim.
func storageRequest(claim *corev1.PersistentVolumeClaim) resource.Quantity {
	return claim.Spec.Resources.Requests[corev1.ResourceStorage]
}
