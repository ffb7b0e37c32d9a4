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

// Command deployra-gateway runs the web gateway: an HTTP/HTTPS reverse
// proxy routing platform domains to cluster services, with on-demand
// certificate issuance and scale-to-zero wake-up. With --timer it runs the
// idle scaler loop instead.
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
	"github.com/deployra/deployra-sub000/lib/certmgr"
	"github.com/deployra/deployra-sub000/lib/config"
	"github.com/deployra/deployra-sub000/lib/dnscache"
	"github.com/deployra/deployra-sub000/lib/gateway/web"
	"github.com/deployra/deployra-sub000/lib/idler"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/kv"
	"github.com/deployra/deployra-sub000/lib/routing"
)

func main() {
	app := kingpin.New("deployra-gateway", "Deployra web gateway and idle scaler.")
	configPath := app.Flag("config", "Path to the JSON configuration file.").Required().String()
	timer := app.Flag("timer", "Run the idle scaler loop instead of the gateway.").Bool()
	debug := app.Flag("debug", "Enable debug logging.").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *timer); err != nil {
		slog.Error("Gateway exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, timer bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Gateway
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

	if timer {
		scaler, err := idler.New(idler.Config{
			KubeClient:    client,
			Store:         store,
			CheckInterval: time.Duration(cfg.CheckIntervalSeconds) * time.Second,
			IdleTimeout:   time.Duration(cfg.IdleTimeoutMinutes) * time.Minute,
		})
		if err != nil {
			return err
		}
		slog.Info("Starting idle scaler.", "interval_s", cfg.CheckIntervalSeconds, "timeout_m", cfg.IdleTimeoutMinutes)
		return scaler.Run(ctx)
	}

	selector := cfg.LabelSelector
	if selector == "" {
		selector = deployra.ManagedByLabel + "=" + deployra.ManagedByValue
	}
	routes := routing.NewWebTable()
	watcher, err := kube.NewServiceWatcher(kube.ServiceWatcherConfig{
		Client:        client,
		LabelSelector: selector,
		OnUpsert:      routes.Upsert,
		OnDelete:      routes.Delete,
	})
	if err != nil {
		return err
	}

	var certs *certmgr.Manager
	if cfg.EnableHTTPS {
		certs, err = certmgr.New(certmgr.Config{
			KubeClient:         client,
			Store:              store,
			Email:              cfg.Email,
			DirectoryURL:       cfg.ACMEServerURL,
			WildcardDomain:     cfg.WildcardDomain,
			EnableWildcard:     cfg.EnableWildcard,
			CloudflareAPIToken: cfg.CloudflareAPIToken,
			ChallengeDir:       cfg.ChallengeDir,
			Routed:             routes.Has,
		})
		if err != nil {
			return err
		}
	}

	gateway, err := web.New(web.Config{
		HTTPAddr:      cfg.HTTPAddr,
		HTTPSAddr:     cfg.HTTPSAddr,
		EnableHTTPS:   cfg.EnableHTTPS,
		Routes:        routes,
		Store:         store,
		Certs:         certs,
		KubeClient:    client,
		DNS:           dnscache.New(dnscache.Config{}),
		ClusterDomain: cfg.ClusterDomain,

		ProxyReadTimeout:      time.Duration(cfg.ProxyReadTimeout) * time.Second,
		ProxyWriteTimeout:     time.Duration(cfg.ProxyWriteTimeout) * time.Second,
		WebSocketReadTimeout:  time.Duration(cfg.WebsocketReadTimeout) * time.Second,
		WebSocketWriteTimeout: time.Duration(cfg.WebsocketWriteTimeout) * time.Second,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting web gateway.",
		"http_addr", cfg.HTTPAddr, "https_addr", cfg.HTTPSAddr, "https", cfg.EnableHTTPS)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(ctx) })
	group.Go(func() error { return gateway.Run(ctx) })
	if certs != nil {
		group.Go(func() error { return certs.RunRenewal(ctx) })
	}
	return group.Wait()
}
