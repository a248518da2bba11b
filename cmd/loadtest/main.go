// Load testing tool for consensusd: floods ProposalIngest with synthetic
// block proposals, each extending the canonical tip read at submission
// time, and reports acceptance throughput.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/chainstore"
	"github.com/darkfi-go/consensusd/pkg/mempool"
	"github.com/darkfi-go/consensusd/pkg/minerdriver"
	"github.com/darkfi-go/consensusd/pkg/types"
	"github.com/darkfi-go/consensusd/pkg/validator"
)

// TestConfig holds load test configuration.
type TestConfig struct {
	Duration        time.Duration // How long to run the test
	ProposalRate    int           // Target proposals per second
	ForkFanout      int           // Competing children attempted per parent
	ReportInterval  time.Duration // How often to report statistics
}

// TestMetrics holds test results, updated only via atomic ops since the
// proposal goroutines run concurrently with the reporting loop.
type TestMetrics struct {
	Submitted  int64
	Attached   int64
	Orphaned   int64
	Rejected   int64
	StartTime  time.Time
}

// loadHasher is a deterministic stand-in for the RandomX VM: the proposal
// flood only needs to exercise ForkStore/ConfirmGate/ConsensusLoop
// linkage and ranking, not real proof-of-work, so a blake3 digest plays
// the same Hasher role without linking the cgo binding.
type loadHasher struct{}

func (loadHasher) Hash(headerBytes []byte) types.Hash32 {
	return types.Hash32(blake3.Sum256(headerBytes))
}

func (loadHasher) RotateSeed(newSeed []byte) error { return nil }

func main() {
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	proposalRate := flag.Int("rate", 50, "Target proposals per second")
	forkFanout := flag.Int("forks", 1, "Competing children attempted per parent")
	reportInterval := flag.Duration("report", 5*time.Second, "Report interval")
	flag.Parse()

	cfg := TestConfig{
		Duration:       *duration,
		ProposalRate:   *proposalRate,
		ForkFanout:     *forkFanout,
		ReportInterval: *reportInterval,
	}

	fmt.Println("=== consensusd Proposal Flood ===")
	fmt.Printf("Duration: %v\n", cfg.Duration)
	fmt.Printf("Target proposal rate: %d/s\n", cfg.ProposalRate)
	fmt.Printf("Fork fanout: %d\n", cfg.ForkFanout)
	fmt.Printf("Report interval: %v\n", cfg.ReportInterval)
	fmt.Println()

	if err := runLoadTest(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
}

func runLoadTest(cfg TestConfig) error {
	log := logger.NewLogger("warn")

	chain, err := chainstore.Open(":memory:", log)
	if err != nil {
		return fmt.Errorf("open chainstore: %w", err)
	}
	defer chain.Close()

	miner := minerdriver.New(nil, nil)
	mp := mempool.NewMempool(mempool.DefaultConfig(), log)

	v, err := validator.New(
		validator.Config{
			ConfirmationDepth: 6,
			OrphanTTLSeconds:  300,
			EpochLengthBlocks: 2048,
			InitialTarget:     *new(uint256.Int).Not(new(uint256.Int)),
		},
		chain,
		loadHasher{},
		miner,
		mp,
		nil,
		nil,
		nil,
		log,
	)
	if err != nil {
		return fmt.Errorf("construct validator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v.Start(ctx)

	metrics := &TestMetrics{StartTime: time.Now()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	proposalTicker := time.NewTicker(time.Second / time.Duration(cfg.ProposalRate))
	defer proposalTicker.Stop()
	reportTicker := time.NewTicker(cfg.ReportInterval)
	defer reportTicker.Stop()
	testTimer := time.NewTimer(cfg.Duration)
	defer testTimer.Stop()

	fmt.Println("Starting proposal flood...")
	fmt.Println()

	var height uint32
	running := true
	for running {
		select {
		case <-proposalTicker.C:
			tip, tipHeight, err := v.CanonicalTip()
			if err != nil {
				log.WithError(err).Warn("failed to read canonical tip")
				continue
			}
			height = tipHeight + 1
			for i := 0; i < cfg.ForkFanout; i++ {
				go submitProposal(ctx, v, tip, height, metrics)
			}

		case <-reportTicker.C:
			printReport(metrics)

		case <-testTimer.C:
			running = false

		case <-sigCh:
			fmt.Println("\ntest interrupted by user")
			running = false
		}
	}

	cancel()

	fmt.Println("\n=== Final Results ===")
	printFinalReport(metrics)
	return nil
}

func submitProposal(ctx context.Context, v *validator.Validator, previous types.Hash32, height uint32, metrics *TestMetrics) {
	var nonce [8]byte
	rand.Read(nonce[:])

	block := types.Block{
		Header: types.Header{
			Version:   1,
			Previous:  previous,
			Height:    height,
			Timestamp: uint64(time.Now().Unix()),
			Nonce:     uint64(nonce[0]) | uint64(nonce[1])<<8 | uint64(nonce[2])<<16 | uint64(nonce[3])<<24,
		},
	}
	block.Finalize()

	atomic.AddInt64(&metrics.Submitted, 1)
	result, err := v.IngestProposal(ctx, block)
	if err != nil {
		return
	}
	switch result.Kind.String() {
	case "attached":
		atomic.AddInt64(&metrics.Attached, 1)
	case "orphaned":
		atomic.AddInt64(&metrics.Orphaned, 1)
	default:
		atomic.AddInt64(&metrics.Rejected, 1)
	}
}

func printReport(metrics *TestMetrics) {
	elapsed := time.Since(metrics.StartTime).Seconds()
	submitted := atomic.LoadInt64(&metrics.Submitted)
	attached := atomic.LoadInt64(&metrics.Attached)
	orphaned := atomic.LoadInt64(&metrics.Orphaned)
	rejected := atomic.LoadInt64(&metrics.Rejected)

	fmt.Printf("[%6.1fs] submitted: %6d | attached: %6d | orphaned: %5d | rejected: %5d | rate: %6.1f/s\n",
		elapsed, submitted, attached, orphaned, rejected, float64(submitted)/elapsed)
}

func printFinalReport(metrics *TestMetrics) {
	elapsed := time.Since(metrics.StartTime)
	submitted := atomic.LoadInt64(&metrics.Submitted)
	attached := atomic.LoadInt64(&metrics.Attached)
	orphaned := atomic.LoadInt64(&metrics.Orphaned)
	rejected := atomic.LoadInt64(&metrics.Rejected)

	fmt.Printf("Test duration: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Proposals submitted: %d\n", submitted)
	fmt.Printf("Attached:  %d\n", attached)
	fmt.Printf("Orphaned:  %d\n", orphaned)
	fmt.Printf("Rejected:  %d\n", rejected)
	if submitted > 0 {
		fmt.Printf("Attach rate: %.1f%%\n", float64(attached)/float64(submitted)*100)
	}
}
