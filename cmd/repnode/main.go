package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/repcore/conf"
	"github.com/zhukovaskychina/repcore/logger"
	"github.com/zhukovaskychina/repcore/replicator"
	"github.com/zhukovaskychina/repcore/savedstate"
	"github.com/zhukovaskychina/repcore/wsrep"
)

const help = `
******************************************************************************************

 _____  ______ _____   _____ ____  _____  ______
 |  __ \|  ____|  __ \ / ____/ __ \|  __ \|  ____|
 | |__) | |__  | |__) | |   | |  | | |__) | |__
 |  _  /|  __| |  _  /| |   | |  | |  _  /|  __|
 | | \ \| |____| | \ \| |___| |__| | | \ \| |____
 |_|  \_\______|_|  \_\\_____\____/|_|  \_\______|

******************************************************************************************
* usage:
* 1. -- help
* 2. -- configPath   path to an ini file (see conf.Cfg for the [wsrep]/[log] sections)
* 3. -- bootstrap     bootstrap a fresh one-node primary component
******************************************************************************************
`

// demoCallbacks is the minimal wsrep.Callbacks a standalone repnode
// process needs: it has no real storage engine to drive, so Apply/Commit
// are the DefaultCallbacks no-ops and only Connected/Synced log.
type demoCallbacks struct {
	wsrep.DefaultCallbacks
}

func (demoCallbacks) Connected(ctx context.Context, ownID string) {
	logger.Infof("demo host: connected as %s", ownID)
}

func (demoCallbacks) Synced(ctx context.Context) {
	logger.Info("demo host: node synced with the cluster")
}

func main() {
	fmt.Println("Starting repnode...")

	var configPath string
	var bootstrap bool
	var showHelp bool
	flag.StringVar(&configPath, "configPath", "", "path to ini config file")
	flag.BoolVar(&bootstrap, "bootstrap", false, "bootstrap a fresh one-node primary component")
	flag.BoolVar(&showHelp, "help", false, "show usage")
	flag.Parse()

	if showHelp {
		fmt.Println(help)
		return
	}

	args := &conf.CommandLineArgs{ConfigPath: configPath}
	cfg, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Println("failed to load config:", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogErrorPath,
		InfoLogPath:  cfg.LogInfoPath,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fmt.Println("failed to initialize logger:", err)
		os.Exit(1)
	}
	logger.Infof("config loaded: base_dir=%s cluster=%s applier_threads=%d", cfg.BaseDir, cfg.ClusterName, cfg.ApplierThreads)

	saved, err := savedstate.Open(cfg.SavedStatePath())
	if err != nil {
		logger.Errorf("failed to open saved state: %s", err)
		os.Exit(1)
	}

	repl, err := replicator.New(cfg, nil, nil, saved, demoCallbacks{})
	if err != nil {
		logger.Errorf("failed to build replicator: %s", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repl.Connect(ctx, wsrep.ConnectArgs{
		Cluster:   cfg.ClusterName,
		URL:       fmt.Sprintf("%s:%d", cfg.BaseHost, cfg.BasePort),
		Bootstrap: bootstrap,
	}); err != nil {
		logger.Errorf("connect failed: %s", err)
		os.Exit(1)
	}
	logger.Info("repnode connected, serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := repl.AsyncRecv(ctx); err != nil {
			logger.Warnf("async_recv exited: %s", err)
		}
	}()

	<-sig
	logger.Info("shutting down")

	if err := saved.MarkSafe(); err != nil {
		logger.Warnf("mark_safe on shutdown failed: %s", err)
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	if err := repl.Close(closeCtx); err != nil {
		logger.Errorf("close failed: %s", err)
	}
	closeCancel()
	logger.Info("repnode stopped")
}
