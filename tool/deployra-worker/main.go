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

// Command deployra-worker runs the orchestration worker: it drains the
// deployment queue, reconciles cluster objects and sweeps crash-looping
// pods out of rotation.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"golang.org/x/sync/errgroup"

	"github.com/deployra/deployra-sub000/lib/config"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/kv"
	"github.com/deployra/deployra-sub000/lib/queue"
	"github.com/deployra/deployra-sub000/lib/worker"
)

func main() {
	app := kingpin.New("deployra-worker", "Deployra orchestration worker.")
	configPath := app.Flag("config", "Path to the JSON configuration file.").Required().String()
	debug := app.Flag("debug", "Enable debug logging.").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("Worker exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Worker
	if err := config.ReadFile(configPath, &cfg); err != nil {
		return err
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return err
	}

	store, err := kv.NewStore(ctx, kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := kube.NewClient(cfg.KubeConfigPath)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		KubeClient:                client,
		Store:                     store,
		StatusCallbackURL:         cfg.StatusCallbackURL,
		StatusCallbackToken:       cfg.StatusCallbackToken,
		SweepInterval:             time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		CrashLoopRestartThreshold: int32(cfg.CrashLoopRestartThreshold),
	})
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		Store:  store,
		Queue:  cfg.QueueName,
		Handle: w.HandleMessage,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting worker.", "queue", cfg.QueueName)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return consumer.Run(ctx) })
	group.Go(func() error { return w.RunSweeper(ctx) })
	return group.Wait()
}
