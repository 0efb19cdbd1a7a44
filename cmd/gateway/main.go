// Command gateway serves the browser game's HTTP API for one player wallet,
// submitting batches to a bikerush node through the relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/balancesync"
	"github.com/tolelom/bikerush/gateway"
	"github.com/tolelom/bikerush/metrics"
	"github.com/tolelom/bikerush/profile"
	"github.com/tolelom/bikerush/reconcile"
	"github.com/tolelom/bikerush/relay"
	"github.com/tolelom/bikerush/rpc"
	"github.com/tolelom/bikerush/schedule"
	"github.com/tolelom/bikerush/wallet"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := gateway.LoadConfig()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}

	playerKey, err := wallet.LoadKey(cfg.PlayerKeystore, cfg.PlayerPassword)
	if err != nil {
		logrus.Fatalf("load player key: %v", err)
	}
	player := wallet.New(playerKey)

	client := rpc.NewClient(cfg.NodeURL, cfg.NodeAuthToken)
	relayOpts := []relay.Option{relay.WithFee(cfg.TxFee), relay.WithPollInterval(cfg.PollInterval)}
	if cfg.SponsorKeystore != "" {
		sponsorKey, err := wallet.LoadKey(cfg.SponsorKeystore, cfg.SponsorPassword)
		if err != nil {
			logrus.Fatalf("load sponsor key: %v", err)
		}
		relayOpts = append(relayOpts, relay.WithSponsor(wallet.New(sponsorKey)))
	}
	rl := relay.NewNodeRelay(client, cfg.ChainID, player, relayOpts...)

	reg := metrics.NewRegistry()
	syncer := balancesync.New(client, player.Address(), balancesync.DefaultConfig())

	rcfg := reconcile.DefaultConfig()
	rcfg.SettlementTimeout = cfg.SettlementTimeout
	rcfg.RecheckDelay = cfg.RecheckDelay
	rcfg.OpTTL = cfg.OpTTL
	rcfg.Sponsored = cfg.Sponsored
	rec, err := reconcile.New(player.Address(), rl, syncer, client, metrics.NewReconciler(reg), rcfg)
	if err != nil {
		logrus.Fatalf("reconciler: %v", err)
	}
	defer rec.Close()

	opts := gateway.Options{
		Address:        player.Address(),
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		rdb, err := profile.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisMaxRetries)
		cancel()
		if err != nil {
			logrus.Warnf("profile cache disabled: %v", err)
		} else {
			defer rdb.Close()
			opts.Profiles = profile.NewStore(rdb, cfg.ProfileTTL)
		}
	}

	sched, err := schedule.New()
	if err != nil {
		logrus.Fatalf("scheduler: %v", err)
	}
	if _, err := gateway.StartKeeper(sched, rec, cfg.KeeperInterval, cfg.SettlementTimeout+30*time.Second); err != nil {
		logrus.Fatalf("keeper: %v", err)
	}

	var metricsServer *metrics.Server
	if cfg.MetricsPort > 0 {
		metricsServer = metrics.NewServer(cfg.MetricsPort, "/metrics", reg)
		metricsServer.Start()
	}

	srv := gateway.NewServer(rec, syncer, opts)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logrus.WithFields(logrus.Fields{"addr": addr, "player": player.Address(), "node": cfg.NodeURL}).Info("gateway listening")
		if err := srv.Listen(addr); err != nil {
			logrus.Errorf("gateway server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")

	_ = sched.Shutdown()
	if err := srv.Shutdown(); err != nil {
		logrus.Warnf("gateway shutdown: %v", err)
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}
	logrus.Info("shutdown complete")
}
