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

// Package kube adapts the orchestrator API for the gateways and the worker:
// client construction, the service watcher and deployment readiness/scale
// helpers.
package kube

import (
	"github.com/gravitational/trace"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient builds an orchestrator client from the credential path, falling
// back to in-cluster credentials when the path is empty.
func NewClient(kubeConfigPath string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if kubeConfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, trace.Wrap(err, "building orchestrator client config")
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}
