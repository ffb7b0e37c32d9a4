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

// Package queue defines the intent messages the API side enqueues for the
// orchestration worker, and the consumer loop that drains them.
//
// Messages are a tagged union: a JSON object with a "type" discriminator.
// Unknown discriminators are refused at the decode boundary. Delivery is
// at-least-once, so every handler must be idempotent.
package queue

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
)

// Message type discriminators.
const (
	TypeDeployService      = "deploy-service"
	TypeDeleteService      = "delete-service"
	TypeDeleteProject      = "delete-project"
	TypeDeleteOrganization = "delete-organization"
	TypeControlService     = "control-service"
)

// Control actions of a ControlService message.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Message is one decoded work-queue intent.
type Message interface {
	// Type returns the wire discriminator.
	Type() string
}

// PortMapping maps a service port to the container port behind it.
type PortMapping struct {
	ServicePort   int32 `json:"servicePort"`
	ContainerPort int32 `json:"containerPort"`
}

// EnvVar is one environment variable pair. Order is preserved.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resources carries the requested and limiting compute quantities as
// orchestrator quantity strings.
type Resources struct {
	CPURequest    string `json:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
}

// Scaling carries the replica and autoscaling configuration.
type Scaling struct {
	Replicas                       int32 `json:"replicas,omitempty"`
	MinReplicas                    int32 `json:"minReplicas,omitempty"`
	MaxReplicas                    int32 `json:"maxReplicas,omitempty"`
	TargetCPUUtilizationPercentage int32 `json:"targetCPUUtilizationPercentage,omitempty"`
	AutoScalingEnabled             bool  `json:"autoScalingEnabled,omitempty"`
}

// Storage requests persistent block storage. An empty Size means no
// storage.
type Storage struct {
	Size         string `json:"size,omitempty"`
	StorageClass string `json:"storageClass,omitempty"`
}

// Registry carries image pull credentials.
type Registry struct {
	// Type is "cloud" for a token-based cloud registry or "generic" for a
	// username/password registry, including the public hub.
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Region   string `json:"region,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Public marks a registry that needs no pull secret and disallows
	// custom HTTP probes.
	Public bool `json:"public,omitempty"`
}

// Registry types.
const (
	RegistryCloud   = "cloud"
	RegistryGeneric = "generic"
)

// Probes carries optional HTTP probe paths for application services.
type Probes struct {
	LivenessPath  string `json:"livenessPath,omitempty"`
	ReadinessPath string `json:"readinessPath,omitempty"`
}

// Credentials seeds database-engine services.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

// ServiceDescriptor fully describes one service to reconcile.
type ServiceDescriptor struct {
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
	ServiceID      string `json:"serviceId"`
	DeploymentID   string `json:"deploymentId,omitempty"`

	ServiceType string    `json:"serviceType"`
	Image       string    `json:"image,omitempty"`
	Registry    *Registry `json:"registry,omitempty"`

	Ports     []PortMapping `json:"ports,omitempty"`
	Env       []EnvVar      `json:"env,omitempty"`
	Resources Resources     `json:"resources"`
	Scaling   Scaling       `json:"scaling"`
	Storage   *Storage      `json:"storage,omitempty"`
	Probes    *Probes       `json:"probes,omitempty"`

	Domains            []string     `json:"domains,omitempty"`
	ScaleToZeroEnabled bool         `json:"scaleToZeroEnabled,omitempty"`
	Credentials        *Credentials `json:"credentials,omitempty"`
}

// CheckAndSetDefaults validates the descriptor invariants and fills in
// defaults.
func (d *ServiceDescriptor) CheckAndSetDefaults() error {
	if d.OrganizationID == "" || d.ProjectID == "" || d.ServiceID == "" {
		return trace.BadParameter("descriptor is missing identity fields")
	}
	switch d.ServiceType {
	case deployra.ServiceTypeWeb, deployra.ServiceTypePrivate,
		deployra.ServiceTypeMySQL, deployra.ServiceTypePostgreSQL, deployra.ServiceTypeMemory:
	default:
		return trace.BadParameter("unknown service type %q", d.ServiceType)
	}
	if d.Scaling.MinReplicas == 0 {
		d.Scaling.MinReplicas = 1
	}
	if d.Scaling.MinReplicas < 1 {
		return trace.BadParameter("minReplicas must be at least 1, got %v", d.Scaling.MinReplicas)
	}
	if d.Scaling.MaxReplicas != 0 && d.Scaling.MaxReplicas < d.Scaling.MinReplicas {
		return trace.BadParameter("maxReplicas %v is below minReplicas %v",
			d.Scaling.MaxReplicas, d.Scaling.MinReplicas)
	}
	if d.Scaling.Replicas == 0 {
		d.Scaling.Replicas = d.Scaling.MinReplicas
	}
	if len(d.Ports) == 0 && (d.ServiceType == deployra.ServiceTypeWeb || d.ServiceType == deployra.ServiceTypePrivate) {
		d.Ports = []PortMapping{{ServicePort: defaults.ServicePort, ContainerPort: defaults.ContainerPort}}
	}
	for _, port := range d.Ports {
		if port.ServicePort < 1 || port.ServicePort > 65535 {
			return trace.BadParameter("service port %v out of range", port.ServicePort)
		}
		if port.ContainerPort < 1 || port.ContainerPort > 65535 {
			return trace.BadParameter("container port %v out of range", port.ContainerPort)
		}
	}
	return nil
}

// HasStorage reports whether the descriptor requests block storage.
func (d *ServiceDescriptor) HasStorage() bool {
	return d.Storage != nil && d.Storage.Size != ""
}

// EffectiveReplicas returns the replica count the deployment gets. Attached
// block storage forces a single writer.
func (d *ServiceDescriptor) EffectiveReplicas() int32 {
	if d.HasStorage() {
		return 1
	}
	return d.Scaling.Replicas
}

// WantsAutoscaler reports whether a horizontal autoscaler must exist for
// the service.
func (d *ServiceDescriptor) WantsAutoscaler() bool {
	return d.Scaling.AutoScalingEnabled &&
		d.Scaling.MaxReplicas > 0 &&
		d.Scaling.TargetCPUUtilizationPercentage > 0 &&
		!d.HasStorage()
}

// DeployService reconciles one service to its descriptor.
type DeployService struct {
	Service ServiceDescriptor `json:"service"`
}

func (*DeployService) Type() string { return TypeDeployService }

// DeleteService removes all objects of one service.
type DeleteService struct {
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
	ServiceID      string `json:"serviceId"`
	ServiceType    string `json:"serviceType,omitempty"`
}

func (*DeleteService) Type() string { return TypeDeleteService }

// DeleteProject removes a whole project namespace.
type DeleteProject struct {
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
}

func (*DeleteProject) Type() string { return TypeDeleteProject }

// DeleteOrganization removes every namespace of an organization.
type DeleteOrganization struct {
	OrganizationID string `json:"organizationId"`
}

func (*DeleteOrganization) Type() string { return TypeDeleteOrganization }

// ControlService starts or stops a service without redeploying it.
type ControlService struct {
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
	ServiceID      string `json:"serviceId"`
	ServiceType    string `json:"serviceType,omitempty"`
	Action         string `json:"action"`
}

func (*ControlService) Type() string { return TypeControlService }

// Decode parses one wire message, refusing unknown discriminators.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, trace.BadParameter("malformed queue message: %v", err)
	}

	var msg Message
	switch head.Type {
	case TypeDeployService:
		msg = &DeployService{}
	case TypeDeleteService:
		msg = &DeleteService{}
	case TypeDeleteProject:
		msg = &DeleteProject{}
	case TypeDeleteOrganization:
		msg = &DeleteOrganization{}
	case TypeControlService:
		msg = &ControlService{}
	default:
		return nil, trace.BadParameter("unknown queue message type %q", head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, trace.BadParameter("malformed %v message: %v", head.Type, err)
	}
	if deploy, ok := msg.(*DeployService); ok {
		if err := deploy.Service.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if control, ok := msg.(*ControlService); ok {
		if control.Action != ActionStart && control.Action != ActionStop {
			return nil, trace.BadParameter("unknown control action %q", control.Action)
		}
	}
	return msg, nil
}

// Encode serializes a message with its discriminator.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, trace.Wrap(err)
	}
	fields["type"] = json.RawMessage(`"` + msg.Type() + `"`)
	data, err := json.Marshal(fields)
	return data, trace.Wrap(err)
}
