// consensusd - Proof-of-Work blockchain consensus engine
//
// This daemon provides:
// - A PoW consensus core (ForkStore, ConsensusLoop, ProposalIngest, ConfirmGate)
// - A RandomX miner-process RPC over a length-framed wire protocol
// - libp2p GossipSub/Kademlia proposal transport
// - REST/websocket operator API
// - Rate limiting and admission controls
// - Optional content-addressed archival mirroring with pin quorum
// - Prometheus metrics and observability
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/api"
	"github.com/darkfi-go/consensusd/pkg/archive"
	"github.com/darkfi-go/consensusd/pkg/chainstore"
	"github.com/darkfi-go/consensusd/pkg/config"
	"github.com/darkfi-go/consensusd/pkg/gossip"
	"github.com/darkfi-go/consensusd/pkg/limiter"
	"github.com/darkfi-go/consensusd/pkg/mempool"
	"github.com/darkfi-go/consensusd/pkg/metrics"
	"github.com/darkfi-go/consensusd/pkg/minerdriver"
	"github.com/darkfi-go/consensusd/pkg/randomx"
	"github.com/darkfi-go/consensusd/pkg/validator"
)

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "consensusd",
	Short: "PoW consensus daemon",
	Long: `consensusd - a Proof-of-Work blockchain consensus engine.

Accepts mined and gossiped block proposals, tracks competing forks by
cumulative target/hash distance, and promotes a prefix of the best fork
to the canonical chain once it clears a confirmation-depth threshold.`,
	Run: runDaemon,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	log := logger.NewLogger(logLevel)
	log.WithFields(logger.Fields{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	}).Info("starting consensusd")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	log.WithFields(logger.Fields{
		"api_port":            cfg.API.Port,
		"miner_endpoints":     len(cfg.Miner.Endpoints),
		"archive_enabled":     cfg.Archive.Enabled,
		"confirmation_depth":  cfg.Consensus.ConfirmationDepth,
		"rate_limit_enabled":  cfg.RateLimiter.Enabled,
	}).Info("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Metrics exporter
	metricsExporter := metrics.NewExporter(cfg.Metrics.Port)
	if cfg.Metrics.Enabled {
		go func() {
			log.WithField("port", cfg.Metrics.Port).Info("starting metrics server")
			if err := metricsExporter.Start(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("metrics server failed")
			}
		}()
	}

	// 2. Rate limiter
	rateLimiter := limiter.NewRateLimiter(cfg.RateLimiter, log)
	log.Info("rate limiter initialized")

	// 3. Chainstore (canonical chain persistence)
	chain, err := chainstore.Open(cfg.Chainstore.Path, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open chainstore")
	}
	defer chain.Close()
	log.WithField("path", cfg.Chainstore.Path).Info("chainstore opened")

	// 4. RandomX hasher, seeded from the genesis epoch
	genesisSeed := []byte("consensusd-genesis-seed")
	hasher, err := randomx.NewVM(genesisSeed, randomx.FlagDefault)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize randomx vm")
	}
	defer hasher.Close()
	log.Info("randomx vm initialized")

	// 5. Miner-process driver
	miner := minerdriver.New(cfg.Miner.Endpoints, metricsExporter)
	defer miner.Close()
	log.WithField("endpoints", cfg.Miner.Endpoints).Info("miner driver initialized")

	// 6. Mempool
	mp := mempool.NewMempool(mempool.DefaultConfig(), log)
	log.Info("mempool initialized")

	// 7. Gossip transport
	var transport *gossip.Adapter
	if len(cfg.Gossip.ListenAddrs) > 0 {
		transport, err = gossip.New(ctx, gossip.Config{
			ListenAddrs:       cfg.Gossip.ListenAddrs,
			BootstrapPeers:    cfg.Gossip.BootstrapPeers,
			TopicName:         cfg.Gossip.TopicName,
			BroadcastInterval: time.Duration(cfg.Gossip.BroadcastIntervalMs) * time.Millisecond,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize gossip transport")
		}
		log.Info("gossip transport initialized")
	} else {
		log.Warn("no gossip listen addresses configured, running without a peer transport")
	}

	// 8. Archive mirroring (optional)
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(archive.Config{
			Nodes:      cfg.Archive.Nodes,
			PinQuorum:  cfg.Archive.PinQuorum,
			PinTimeout: cfg.Archive.PinTimeout,
			QueueSize:  cfg.Archive.QueueSize,
		}, metricsExporter, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize archiver")
		}
		log.Info("archive mirroring initialized")
	}

	// 9. Validator orchestrator
	initialTarget, err := parseTargetHex(cfg.Consensus.InitialTargetHex)
	if err != nil {
		log.WithError(err).Fatal("invalid initial_target_hex")
	}

	var transportIface gossip.Transport
	if transport != nil {
		transportIface = transport
	}

	v, err := validator.New(
		validator.Config{
			ConfirmationDepth: cfg.Consensus.ConfirmationDepth,
			OrphanTTLSeconds:  cfg.Consensus.OrphanTTLSeconds,
			EpochLengthBlocks: cfg.Consensus.EpochLengthBlocks,
			InitialTarget:     initialTarget,
		},
		chain,
		hasher,
		miner,
		mp,
		transportIface,
		archiver,
		metricsExporter,
		log,
	)
	if err != nil {
		log.WithError(err).Fatal("failed to construct validator")
	}
	v.Start(ctx)
	log.Info("validator started")

	// 10. API server
	apiServer := api.NewServer(cfg.API, rateLimiter, v, metricsExporter, log)
	go func() {
		log.WithField("port", cfg.API.Port).Info("starting api server")
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("api server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("consensusd is running, press Ctrl+C to stop")

	<-sigCh
	log.Info("received shutdown signal, stopping daemon")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("api server shutdown error")
	}
	if err := metricsExporter.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics server shutdown error")
	}

	log.Info("daemon stopped gracefully")
}

func parseTargetHex(s string) (uint256.Int, error) {
	if s == "" {
		return *new(uint256.Int).Not(new(uint256.Int)), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("decode initial_target_hex: %w", err)
	}
	var t uint256.Int
	t.SetBytes(b)
	return t, nil
}
