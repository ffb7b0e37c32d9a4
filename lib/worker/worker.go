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

// Package worker reconciles queue intents against the orchestrator: it
// creates and patches the objects a service needs, tears them down on
// delete, reports deployment status to the API, and sweeps crash-looping
// pods out of rotation.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"k8s.io/client-go/kubernetes"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kv"
	"github.com/deployra/deployra-sub000/lib/queue"
)

// Deployment status values reported to the API.
const (
	StatusDeployed = "DEPLOYED"
	StatusFailed   = "FAILED"
)

// PullTokenFunc obtains short-lived pull credentials for a cloud registry.
type PullTokenFunc func(ctx context.Context, registry *queue.Registry) (username, password string, err error)

// Config holds worker parameters.
type Config struct {
	// KubeClient talks to the orchestrator.
	KubeClient kubernetes.Interface
	// Store is the shared key-value store.
	Store *kv.Store
	// Clock paces readiness polling and sweeps.
	Clock clockwork.Clock
	// StatusCallbackURL receives deployment status reports. Empty disables
	// reporting.
	StatusCallbackURL string
	// StatusCallbackToken authorizes status reports.
	StatusCallbackToken string
	// ReadinessDeadline bounds the rollout wait of a deploy.
	ReadinessDeadline time.Duration
	// ReadinessPollInterval is how often rollout status is re-checked.
	ReadinessPollInterval time.Duration
	// SweepInterval is how often the crash-loop sweeper scans pods.
	SweepInterval time.Duration
	// CrashLoopRestartThreshold is the restart count past which a
	// crash-looping pod flags its deployment.
	CrashLoopRestartThreshold int32
	// PullToken obtains cloud registry credentials. Defaults to the ECR
	// token API.
	PullToken PullTokenFunc
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.KubeClient == nil {
		return trace.BadParameter("missing kubernetes client")
	}
	if c.Store == nil {
		return trace.BadParameter("missing kv store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReadinessDeadline <= 0 {
		c.ReadinessDeadline = defaults.ReadinessDeadline
	}
	if c.ReadinessPollInterval <= 0 {
		c.ReadinessPollInterval = defaults.ReadinessPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.CrashLoopRestartThreshold <= 0 {
		c.CrashLoopRestartThreshold = defaults.CrashLoopRestartThreshold
	}
	if c.PullToken == nil {
		c.PullToken = ecrPullToken
	}
	return nil
}

// Worker is the orchestration worker.
type Worker struct {
	cfg    Config
	log    *slog.Logger
	client *resty.Client
}

// New returns an orchestration worker.
func New(config Config) (*Worker, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	if config.StatusCallbackToken != "" {
		client.SetAuthToken(config.StatusCallbackToken)
	}
	return &Worker{
		cfg:    config,
		log:    slog.With(deployra.ComponentKey, deployra.ComponentWorker),
		client: client,
	}, nil
}

// HandleMessage dispatches one queue intent. It satisfies
// queue.HandlerFunc.
func (w *Worker) HandleMessage(ctx context.Context, msg queue.Message) error {
	switch m := msg.(type) {
	case *queue.DeployService:
		return trace.Wrap(w.deployService(ctx, &m.Service))
	case *queue.ControlService:
		return trace.Wrap(w.controlService(ctx, m))
	case *queue.DeleteService:
		return trace.Wrap(w.deleteService(ctx, m))
	case *queue.DeleteProject:
		return trace.Wrap(w.deleteProject(ctx, m))
	case *queue.DeleteOrganization:
		return trace.Wrap(w.deleteOrganization(ctx, m))
	default:
		return trace.BadParameter("unhandled message type %T", msg)
	}
}

// statusReport is the callback payload sent to the API.
type statusReport struct {
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
	ServiceID      string `json:"serviceId"`
	DeploymentID   string `json:"deploymentId,omitempty"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

// reportStatus posts the deployment outcome. Failures are logged, never
// fatal: the cluster state is already settled.
func (w *Worker) reportStatus(ctx context.Context, d *queue.ServiceDescriptor, status, message string) {
	if w.cfg.StatusCallbackURL == "" {
		return
	}
	report := statusReport{
		OrganizationID: d.OrganizationID,
		ProjectID:      d.ProjectID,
		ServiceID:      d.ServiceID,
		DeploymentID:   d.DeploymentID,
		Status:         status,
		Message:        message,
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(report).
		Post(w.cfg.StatusCallbackURL)
	if err != nil {
		w.log.WarnContext(ctx, "Status callback failed.", "service", d.ServiceID, "error", err)
		return
	}
	if resp.IsError() {
		w.log.WarnContext(ctx, "Status callback rejected.", "service", d.ServiceID, "code", resp.StatusCode())
	}
}
