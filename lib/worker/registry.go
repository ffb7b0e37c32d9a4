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
	"encoding/base64"
	"encoding/json"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/queue"
)

// dockerHubHost is the auth host of images with a bare name.
const dockerHubHost = "https://index.docker.io/v1/"

// ecrPullToken obtains a short-lived docker credential from the ECR token
// API. The returned username is always "AWS"; the password is the decoded
// authorization token.
func ecrPullToken(ctx context.Context, registry *queue.Registry) (string, string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if registry.Region != "" {
		opts = append(opts, awsconfig.WithRegion(registry.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", "", trace.Wrap(err, "loading cloud credentials")
	}
	out, err := ecr.NewFromConfig(awsCfg).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", trace.Wrap(err, "requesting registry token")
	}
	if len(out.AuthorizationData) == 0 || out.AuthorizationData[0].AuthorizationToken == nil {
		return "", "", trace.BadParameter("registry returned no authorization data")
	}
	decoded, err := base64.StdEncoding.DecodeString(*out.AuthorizationData[0].AuthorizationToken)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", trace.BadParameter("malformed registry authorization token")
	}
	return username, password, nil
}

// registryHost derives the docker auth host for the descriptor's image.
// Bare image names belong to the public hub.
func registryHost(d *queue.ServiceDescriptor) string {
	if d.Registry != nil && d.Registry.URL != "" {
		return d.Registry.URL
	}
	first, _, found := strings.Cut(d.Image, "/")
	if found && (strings.Contains(first, ".") || strings.Contains(first, ":")) {
		return first
	}
	return dockerHubHost
}

// dockerConfigJSON encodes credentials in the docker config format consumed
// by the orchestrator's image puller.
func dockerConfigJSON(host, username, password string) ([]byte, error) {
	config := map[string]any{
		"auths": map[string]any{
			host: map[string]string{
				"username": username,
				"password": password,
				"auth":     base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
			},
		},
	}
	data, err := json.Marshal(config)
	return data, trace.Wrap(err)
}

// ensurePullSecret synthesizes the image pull secret of application
// services. Public registries and database engines need none.
func (w *Worker) ensurePullSecret(ctx context.Context, d *queue.ServiceDescriptor) error {
	if d.ServiceType != deployra.ServiceTypeWeb && d.ServiceType != deployra.ServiceTypePrivate {
		return nil
	}
	if d.Registry == nil || d.Registry.Public {
		return nil
	}

	username, password := d.Registry.Username, d.Registry.Password
	if d.Registry.Type == queue.RegistryCloud {
		var err error
		username, password, err = w.cfg.PullToken(ctx, d.Registry)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	config, err := dockerConfigJSON(registryHost(d), username, password)
	if err != nil {
		return trace.Wrap(err)
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: d.ProjectID,
			Name:      pullSecretName(d.ServiceID),
			Labels:    platformLabels(d),
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: config,
		},
	}
	secrets := w.cfg.KubeClient.CoreV1().Secrets(d.ProjectID)
	_, err = secrets.Create(ctx, secret, metav1.CreateOptions{})
	if kubeerrors.IsAlreadyExists(err) {
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
	}
	return trace.Wrap(err)
}
