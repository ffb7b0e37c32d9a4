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

// Command deployra-dbgateway runs the database gateway: a protocol-aware
// TCP proxy that routes MySQL connections to the right cluster service by
// the username presented in the handshake.
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

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/config"
	"github.com/deployra/deployra-sub000/lib/gateway/db"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/routing"
)

func main() {
	app := kingpin.New("deployra-dbgateway", "Deployra database gateway.")
	configPath := app.Flag("config", "Path to the JSON configuration file.").Required().String()
	debug := app.Flag("debug", "Enable debug logging.").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("Database gateway exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.DBGateway
	if err := config.ReadFile(configPath, &cfg); err != nil {
		return err
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return err
	}

	client, err := kube.NewClient(cfg.KubeConfigPath)
	if err != nil {
		return err
	}

	selector := cfg.LabelSelector
	if selector == "" {
		selector = deployra.ManagedByLabel + "=" + deployra.ManagedByValue +
			"," + deployra.TypeLabel + "=" + deployra.ServiceTypeMySQL
	}
	routes := routing.NewDBTable()
	watcher, err := kube.NewServiceWatcher(kube.ServiceWatcherConfig{
		Client:        client,
		LabelSelector: selector,
		OnUpsert:      routes.Upsert,
		OnDelete:      routes.Delete,
	})
	if err != nil {
		return err
	}

	server, err := db.New(db.Config{
		ListenAddr:       cfg.ListenAddr,
		Routes:           routes,
		ClusterDomain:    cfg.ClusterDomain,
		MaxConnections:   int64(cfg.MaxConnections),
		DialTimeout:      time.Duration(cfg.ConnectionTimeout) * time.Second,
		UseProxyProtocol: cfg.UseProxyProto,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting database gateway.", "listen_addr", cfg.ListenAddr)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(ctx) })
	group.Go(func() error { return server.Run(ctx) })
	return group.Wait()
}
