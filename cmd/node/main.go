// Command node runs the bikerush settlement chain: a single-validator PoA
// node executing the game contract and serving JSON-RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/config"
	"github.com/tolelom/bikerush/consensus"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/indexer"
	"github.com/tolelom/bikerush/metrics"
	"github.com/tolelom/bikerush/rpc"
	"github.com/tolelom/bikerush/storage"
	"github.com/tolelom/bikerush/vm"
	"github.com/tolelom/bikerush/wallet"

	// VM modules self-register in init().
	_ "github.com/tolelom/bikerush/vm/modules/asset"
	_ "github.com/tolelom/bikerush/vm/modules/economy"
	_ "github.com/tolelom/bikerush/vm/modules/ledger"
	_ "github.com/tolelom/bikerush/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file (.json, .yaml or .yml)")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new key, print its address and exit")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})

	// Password comes from the environment; flags leak via ps.
	password := os.Getenv("BIKERUSH_PASSWORD")
	if password == "" {
		logrus.Warn("BIKERUSH_PASSWORD not set, keystore uses an empty password")
	}

	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			logrus.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			logrus.Fatal(err)
		}
		fmt.Printf("address: %s\nsaved to: %s\n", w.Address(), *keyPath)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}

	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		logrus.Fatalf("load key: %v", err)
	}
	if len(cfg.Validators) == 0 {
		cfg.Validators = []string{privKey.Public().Hex()}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logrus.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		logrus.Fatalf("open db: %v", err)
	}
	defer db.Close()

	state := storage.NewStateDB(db)
	bc := core.NewBlockchain(storage.NewBlockStore(db))
	if err := bc.Init(); err != nil {
		logrus.Fatalf("blockchain init: %v", err)
	}
	if bc.Tip() == nil {
		genesis, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			logrus.Fatalf("genesis: %v", err)
		}
		if err := bc.AddBlock(genesis, nil); err != nil {
			logrus.Fatalf("add genesis: %v", err)
		}
		logrus.WithField("hash", genesis.Hash).Info("genesis block committed")
	}

	emitter := events.NewEmitter()
	idx := indexer.New(db, emitter)
	mempool := core.NewMempool(cfg.Genesis.ChainID)
	exec := vm.NewExecutor(state, cfg.Genesis.EconomyParams())

	reg := metrics.NewRegistry()
	poa := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey,
		consensus.WithMetrics(metrics.NewNode(reg)))

	var metricsServer *metrics.Server
	if cfg.MetricsPort > 0 {
		metricsServer = metrics.NewServer(cfg.MetricsPort, "/metrics", reg)
		metricsServer.Start()
	}

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcServer := rpc.NewServer(rpcAddr, rpc.NewHandler(bc, mempool, db, idx, cfg.Genesis.ChainID), cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		logrus.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	logrus.WithFields(logrus.Fields{"addr": rpcAddr, "auth": cfg.RPCAuthToken != ""}).Info("rpc listening")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poa.Run(cfg.BlockInterval(), done)
	}()
	logrus.WithField("validator", privKey.Public().Hex()).Info("consensus running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("shutting down")

	// Stop block production before the deferred rpc and db shutdown.
	close(done)
	wg.Wait()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}
	logrus.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Warnf("config file not found at %s, using defaults", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
