// Package main provides chainwatchd - the chain indexer daemon.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainwatch-project/chainwatch/internal/config"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/session"
	"github.com/chainwatch-project/chainwatch/internal/storage"
	"github.com/chainwatch-project/chainwatch/internal/substrate/decode"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
	"github.com/chainwatch-project/chainwatch/internal/transport"
	"github.com/chainwatch-project/chainwatch/internal/writer"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
	"github.com/gorilla/mux"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const exitConfig = 1
const exitStorage = 2
const exitFatal = 3

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.chainwatch", "Data directory")
		listenAddr     = flag.String("listen", "", "Listen address HOST:PORT, overrides config")
		dbPath         = flag.String("db", "", "Database file path, overrides config")
		chainsFlag     = flag.String("chains", "", "Comma-separated chains to index (default: all configured)")
		finalityDepth  = flag.Uint64("finality-depth", 0, "Override finality depth for every enabled chain (0: use per-chain default)")
		rpcURLKusama   = flag.String("rpc-url-kusama", "", "Override the kusama RPC endpoint")
		rpcURLPolkadot = flag.String("rpc-url-polkadot", "", "Override the polkadot RPC endpoint")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("chainwatchd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(exitConfig)
	}

	applyOverrides(cfg, overrides{
		listen:         *listenAddr,
		dbPath:         *dbPath,
		chains:         *chainsFlag,
		finalityDepth:  *finalityDepth,
		rpcURLKusama:   *rpcURLKusama,
		rpcURLPolkadot: *rpcURLPolkadot,
		logLevel:       *logLevel,
	})

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DBPath: cfg.DBPath})
	if err != nil {
		log.Error("failed to initialize storage", "err", err)
		os.Exit(exitStorage)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	clients := rpc.NewRegistry()
	resolvers := make(map[string]*decode.Resolver)
	finality := make(map[string]uint64)

	for chainID, params := range cfg.Chains {
		rpcCfg := rpc.DefaultConfig(params.RPCEndpoint)
		rpcCfg.PoolSize = cfg.RPC.PoolSize
		rpcCfg.RateLimitRPS = cfg.RPC.RateLimitRPS
		rpcCfg.RateBurst = cfg.RPC.RateBurst
		rpcCfg.RequestTimeout = cfg.RPC.RequestTimeout

		client, err := rpc.Dial(ctx, rpcCfg)
		if err != nil {
			log.Error("failed to dial chain RPC, skipping chain", "chain", chainID, "url", params.RPCEndpoint, "err", err)
			continue
		}

		meta, err := client.Metadata(ctx)
		if err != nil {
			log.Error("failed to fetch metadata, skipping chain", "chain", chainID, "err", err)
			client.Close()
			continue
		}

		resolver, err := decode.NewResolver(meta)
		if err != nil {
			log.Error("failed to build call resolver, skipping chain", "chain", chainID, "err", err)
			client.Close()
			continue
		}

		clients.Register(chainID, client)
		resolvers[chainID] = resolver
		finality[chainID] = params.FinalityDepth
		log.Info("chain client ready", "chain", chainID, "url", params.RPCEndpoint, "finality_depth", params.FinalityDepth)
	}
	defer clients.CloseAll()

	decimals := make(map[string]uint8, len(cfg.Chains))
	for chainID, params := range cfg.Chains {
		decimals[chainID] = params.Decimals
	}
	w := writer.New(store.DB(), cfg.Indexer.WriterQueueDepth, decimals)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = w.Run(ctx)
	}()

	controller := session.NewController(clients, resolvers, storageCheckpointer{store}, w, cfg.Indexer, finality, cfg.ShutdownDeadline)
	reaper := session.NewReaper(controller, 30*time.Minute, time.Minute)
	go reaper.Run(ctx)

	hub := transport.NewHub(&transport.ControllerAdapter{Controller: controller})

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.ServeWS)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
		}
	}()

	printBanner(log, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "err", err)
	}

	cancel()
	<-writerDone

	log.Info("goodbye")
}

type overrides struct {
	listen         string
	dbPath         string
	chains         string
	finalityDepth  uint64
	rpcURLKusama   string
	rpcURLPolkadot string
	logLevel       string
}

func applyOverrides(cfg *config.Config, o overrides) {
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	if o.chains != "" {
		wanted := make(map[string]bool)
		for _, c := range strings.Split(o.chains, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				wanted[c] = true
			}
		}
		for chainID := range cfg.Chains {
			if !wanted[chainID] {
				delete(cfg.Chains, chainID)
			}
		}
	}

	if o.finalityDepth != 0 {
		for chainID, params := range cfg.Chains {
			params.FinalityDepth = o.finalityDepth
			cfg.Chains[chainID] = params
		}
	}

	if o.rpcURLKusama != "" {
		if params, ok := cfg.Chains["kusama"]; ok {
			params.RPCEndpoint = o.rpcURLKusama
			cfg.Chains["kusama"] = params
		}
	}
	if o.rpcURLPolkadot != "" {
		if params, ok := cfg.Chains["polkadot"]; ok {
			params.RPCEndpoint = o.rpcURLPolkadot
			cfg.Chains["polkadot"] = params
		}
	}
}

// storageCheckpointer adapts *storage.Storage to session.Checkpointer.
type storageCheckpointer struct {
	store *storage.Storage
}

func (s storageCheckpointer) GetCheckpoint(chain string, pubkey [32]byte, stream model.Stream) (uint64, bool, error) {
	return storage.GetCheckpoint(s.store.DB(), chain, pubkey, stream)
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  chainwatchd %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Listening on: %s", cfg.Listen)
	log.Infof("  WS endpoint:  ws://%s/ws", cfg.Listen)
	log.Infof("  Database:     %s", cfg.DBPath)
	chains := make([]string, 0, len(cfg.Chains))
	for c := range cfg.Chains {
		chains = append(chains, c)
	}
	log.Infof("  Chains:       %s", strings.Join(chains, ", "))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
