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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/deployra/deployra-sub000"
)

// defaultResync is the periodic full resync of the shared informer. A resync
// re-delivers every object, which keeps the routing tables converged even if
// a watch event was missed.
const defaultResync = 10 * time.Minute

// ServiceWatcherConfig configures a ServiceWatcher.
type ServiceWatcherConfig struct {
	// Client is the orchestrator client.
	Client kubernetes.Interface
	// LabelSelector filters the observed services.
	LabelSelector string
	// OnUpsert is invoked with the latest observed state on add and update
	// events. Entries must be recomputed from the object, never patched
	// with deltas.
	OnUpsert func(svc *corev1.Service)
	// OnDelete is invoked when a service disappears.
	OnDelete func(namespace, name string)
}

// CheckAndSetDefaults validates the watcher configuration.
func (c *ServiceWatcherConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client")
	}
	if c.OnUpsert == nil {
		return trace.BadParameter("missing OnUpsert")
	}
	if c.OnDelete == nil {
		return trace.BadParameter("missing OnDelete")
	}
	return nil
}

// ServiceWatcher surfaces orchestrator service add/update/delete events to
// the routing tables via a shared informer.
type ServiceWatcher struct {
	cfg     ServiceWatcherConfig
	factory informers.SharedInformerFactory
	log     *slog.Logger
}

// NewServiceWatcher builds the informer and registers the event handlers.
func NewServiceWatcher(config ServiceWatcherConfig) (*ServiceWatcher, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	factory := informers.NewSharedInformerFactoryWithOptions(
		config.Client,
		defaultResync,
		informers.WithTweakListOptions(func(options *metav1.ListOptions) {
			options.LabelSelector = config.LabelSelector
		}),
	)
	w := &ServiceWatcher{
		cfg:     config,
		factory: factory,
		log:     slog.With(deployra.ComponentKey, deployra.ComponentWatcher),
	}
	informer := factory.Core().V1().Services().Informer()
	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    w.handleUpsert,
		UpdateFunc: func(_, newObj any) { w.handleUpsert(newObj) },
		DeleteFunc: w.handleDelete,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return w, nil
}

// Run starts the informer and blocks until the context is canceled.
func (w *ServiceWatcher) Run(ctx context.Context) error {
	w.factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), w.factory.Core().V1().Services().Informer().HasSynced) {
		return trace.ConnectionProblem(nil, "watcher cache never synced")
	}
	w.log.InfoContext(ctx, "service watcher synced", "label_selector", w.cfg.LabelSelector)
	<-ctx.Done()
	w.factory.Shutdown()
	return nil
}

func (w *ServiceWatcher) handleUpsert(obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		w.log.Warn("unexpected object type in upsert event", "type", fmt.Sprintf("%T", obj))
		return
	}
	w.cfg.OnUpsert(svc)
}

func (w *ServiceWatcher) handleDelete(obj any) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		// The informer delivers a tombstone when the final state of the
		// object was missed.
		tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
		if !ok {
			w.log.Warn("unexpected object type in delete event")
			return
		}
		svc, ok = tombstone.Obj.(*corev1.Service)
		if !ok {
			w.log.Warn("tombstone carried unexpected object type")
			return
		}
	}
	w.cfg.OnDelete(svc.Namespace, svc.Name)
}
