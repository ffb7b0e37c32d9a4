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

package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kv"
)

// HandlerFunc processes one decoded message. A returned error delays the
// loop briefly; the message itself is not requeued.
type HandlerFunc func(ctx context.Context, msg Message) error

// ConsumerConfig holds consumer loop parameters.
type ConsumerConfig struct {
	// Store is the shared key-value store carrying the queue.
	Store *kv.Store
	// Queue is the list name to drain.
	Queue string
	// Handle processes each message.
	Handle HandlerFunc
	// Clock paces retry sleeps.
	Clock clockwork.Clock
	// PopTimeout is the blocking timeout of a single pop.
	PopTimeout time.Duration
	// RetryDelay is slept after a handler or transport failure.
	RetryDelay time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ConsumerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing kv store")
	}
	if c.Handle == nil {
		return trace.BadParameter("missing message handler")
	}
	if c.Queue == "" {
		c.Queue = defaults.QueueName
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = defaults.QueuePopTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.QueueRetryDelay
	}
	return nil
}

// Consumer drains the work queue one message at a time. Multiple worker
// pods may consume the same queue; the store's atomic pop fans messages
// out safely.
type Consumer struct {
	cfg ConsumerConfig
	log *slog.Logger
}

// NewConsumer returns a consumer loop.
func NewConsumer(config ConsumerConfig) (*Consumer, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Consumer{
		cfg: config,
		log: slog.With(deployra.ComponentKey, deployra.ComponentWorker),
	}, nil
}

// Run consumes until the context is cancelled. Decode failures are logged
// and skipped; handler failures are logged and the loop continues after a
// short delay.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, err := c.cfg.Store.Pop(ctx, c.cfg.Queue, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WarnContext(ctx, "Queue pop failed.", "error", err)
			c.sleep(ctx)
			continue
		}
		if data == nil {
			continue
		}

		msg, err := Decode(data)
		if err != nil {
			c.log.WarnContext(ctx, "Dropping undecodable message.", "error", err)
			continue
		}

		c.log.InfoContext(ctx, "Processing message.", "message_type", msg.Type())
		if err := c.cfg.Handle(ctx, msg); err != nil {
			c.log.ErrorContext(ctx, "Message handler failed.", "message_type", msg.Type(), "error", err)
			c.sleep(ctx)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-c.cfg.Clock.After(c.cfg.RetryDelay):
	}
}
