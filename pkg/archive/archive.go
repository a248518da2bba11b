// Package archive mirrors confirmed blocks into content-addressed
// storage for off-chain audit and disaster recovery. Its quorum-pinning
// shape (parallel pin fan-out across shells, N/M quorum check, a
// PinManifest audit record) is repurposed from proof-blob pinning to
// mirror JSON-encoded confirmed blocks instead. Unlike pkg/chainstore,
// a mirror failure is never Fatal — it logs and moves on.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/metrics"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// Config configures the archival mirror.
type Config struct {
	Nodes      []string
	PinQuorum  string // "N/M", e.g. "2/3"
	PinTimeout time.Duration
	QueueSize  int
}

type pinResult struct {
	node    string
	success bool
	err     error
	cid     string
}

// Manifest records which nodes confirmed a pin, for later audit.
type Manifest struct {
	CID         string    `json:"cid"`
	ContentHash string    `json:"content_hash"`
	Height      uint32    `json:"height"`
	HeaderHash  string    `json:"header_hash"`
	PinnedNodes []string  `json:"pinned_nodes"`
	Quorum      string    `json:"quorum"`
	Timestamp   time.Time `json:"timestamp"`
}

// Archiver asynchronously mirrors confirmed blocks to a quorum of IPFS
// nodes, decoupled from the canonical-chain write path.
type Archiver struct {
	cfg       Config
	log       *logger.Logger
	shells    []*shell.Shell
	quorumNum int
	quorumDen int

	queue chan types.Block

	mu        sync.Mutex
	manifests map[string]Manifest

	metrics *metrics.Exporter
}

// New constructs an Archiver. A malformed quorum string or zero nodes is
// a configuration error, not a runtime Fatal — archival is optional.
// exporter may be nil, in which case pin quorum outcomes are not recorded.
func New(cfg Config, exporter *metrics.Exporter, log *logger.Logger) (*Archiver, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("archive: no IPFS nodes configured")
	}
	parts := strings.Split(cfg.PinQuorum, "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("archive: invalid quorum format %q (expected N/M)", cfg.PinQuorum)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("archive: invalid quorum numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("archive: invalid quorum denominator: %w", err)
	}
	if num > den || num < 1 {
		return nil, fmt.Errorf("archive: invalid quorum %d/%d", num, den)
	}

	shells := make([]*shell.Shell, len(cfg.Nodes))
	for i, node := range cfg.Nodes {
		shells[i] = shell.NewShell(node)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Archiver{
		cfg:       cfg,
		log:       log,
		shells:    shells,
		quorumNum: num,
		quorumDen: den,
		queue:     make(chan types.Block, queueSize),
		manifests: make(map[string]Manifest),
		metrics:   exporter,
	}, nil
}

// MirrorAsync enqueues a confirmed block for archival without blocking
// the ConfirmGate's commit path. A full queue drops the block and logs —
// archival is best-effort by design.
func (a *Archiver) MirrorAsync(block types.Block) {
	select {
	case a.queue <- block:
	default:
		a.log.WithField("height", block.Height()).Warn("archive queue full, dropping block mirror")
	}
}

// Run drains the mirror queue until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-a.queue:
			if err := a.pinWithQuorum(ctx, block); err != nil {
				a.log.WithError(err).WithField("height", block.Height()).
					Warn("failed to mirror confirmed block to archive quorum")
			}
		}
	}
}

func (a *Archiver) pinWithQuorum(ctx context.Context, block types.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("archive: marshal block: %w", err)
	}
	contentHash := sha256.Sum256(data)

	results := make(chan pinResult, len(a.shells))
	var wg sync.WaitGroup
	for i, sh := range a.shells {
		wg.Add(1)
		go func(nodeAddr string, sh *shell.Shell) {
			defer wg.Done()
			pinCtx, cancel := context.WithTimeout(ctx, a.cfg.PinTimeout)
			defer cancel()
			_ = pinCtx // per-node timeout budget; go-ipfs-api calls below are not context-aware

			cid, err := sh.Add(strings.NewReader(string(data)))
			if err != nil {
				results <- pinResult{node: nodeAddr, err: err}
				return
			}
			if err := sh.Pin(cid); err != nil {
				results <- pinResult{node: nodeAddr, err: err, cid: cid}
				return
			}
			results <- pinResult{node: nodeAddr, success: true, cid: cid}
		}(a.cfg.Nodes[i], sh)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var pinnedNodes []string
	var cid string
	for r := range results {
		if r.success {
			pinnedNodes = append(pinnedNodes, r.node)
			if cid == "" {
				cid = r.cid
			}
		} else {
			a.log.WithError(r.err).WithField("node", r.node).Debug("archive pin failed on node")
		}
	}

	if len(pinnedNodes) < a.quorumNum {
		if a.metrics != nil {
			a.metrics.PinQuorumFailures.Inc()
		}
		return fmt.Errorf("archive: pin quorum not met: %d/%d (need %d/%d)",
			len(pinnedNodes), len(a.shells), a.quorumNum, a.quorumDen)
	}
	if a.metrics != nil {
		a.metrics.PinQuorumSuccess.Inc()
	}

	manifest := Manifest{
		CID:         cid,
		ContentHash: fmt.Sprintf("%x", contentHash),
		Height:      block.Height(),
		HeaderHash:  fmt.Sprintf("%x", block.HeaderHash),
		PinnedNodes: pinnedNodes,
		Quorum:      a.cfg.PinQuorum,
		Timestamp:   time.Now(),
	}
	a.mu.Lock()
	a.manifests[manifest.HeaderHash] = manifest
	a.mu.Unlock()

	a.log.WithFields(logger.Fields{
		"height": block.Height(),
		"cid":    cid,
	}).Info("mirrored confirmed block to archive quorum")
	return nil
}

// ManifestFor returns the archival manifest for a confirmed block, if one
// exists, for the operator surface's audit endpoints.
func (a *Archiver) ManifestFor(headerHash types.Hash32) (Manifest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.manifests[fmt.Sprintf("%x", headerHash)]
	return m, ok
}
