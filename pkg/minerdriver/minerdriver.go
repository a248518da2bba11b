// Package minerdriver implements MinerDriver: the length-framed RPC
// client that hands a candidate header to an external mining daemon and
// waits for a winning nonce.
//
// The wire framing and request/response shape follow a single-connection
// hub exchanging typed JSON messages, narrowed from a pub/sub hub to a
// strict request/response client with at most one outstanding request.
// Endpoint failover scoring repurposes a reputation/severity/ban-threshold
// pattern from validator misbehavior to miner-endpoint health: a
// Transport or Invalid response degrades an endpoint's score instead of
// slashing a stake.
package minerdriver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"

	"github.com/darkfi-go/consensusd/pkg/metrics"
	"github.com/darkfi-go/consensusd/pkg/types"
)

// ErrorKind classifies why a Request failed.
type ErrorKind int

const (
	ErrCancelled ErrorKind = iota
	ErrTransport
	ErrInvalid
	ErrBusy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCancelled:
		return "cancelled"
	case ErrTransport:
		return "transport"
	case ErrInvalid:
		return "invalid"
	case ErrBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// MinerError wraps a classified miner-driver failure.
type MinerError struct {
	Kind ErrorKind
	Err  error
}

func (e *MinerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("minerdriver: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("minerdriver: %s", e.Kind)
}
func (e *MinerError) Unwrap() error { return e.Err }

const ackWaitTimeout = 2 * time.Second

type mineRequest struct {
	Type   string       `json:"type"`
	Header []byte       `json:"header"`
	Target string       `json:"target"`
	Seed   types.Hash32 `json:"seed"`
}

type mineResponse struct {
	Nonce uint64 `json:"nonce"`
	Error string `json:"error,omitempty"`
}

type stopRequest struct {
	Type string `json:"type"`
}

type stopResponse struct {
	Ack bool `json:"ack"`
}

type pingRequest struct {
	Type string `json:"type"`
}

type pingResponse struct {
	Ok bool `json:"ok"`
}

// endpointHealth tracks an endpoint's recent reliability, generalizing
// a slashing-event reputation ledger to connection outcomes.
type endpointHealth struct {
	reputation  float64 // starts at 1.0, decays on failure, recovers on success
	bannedUntil time.Time
}

const (
	initialReputation    = 1.0
	transportPenalty     = 0.2
	invalidPenalty       = 0.5
	recoveryOnSuccess    = 0.1
	banReputationFloor   = 0.1
	banDuration          = 30 * time.Second
)

// Driver holds the active connection and endpoint failover list. Only
// one Request may be outstanding at a time; a second concurrent call
// returns ErrBusy immediately.
type Driver struct {
	mu sync.Mutex

	endpoints []string
	current   int
	healths   map[string]*endpointHealth

	conn    net.Conn
	inFlight bool
	degraded bool

	dialTimeout time.Duration
	backoffCfg  func() backoff.BackOff

	metrics *metrics.Exporter
}

// New constructs a Driver with a primary endpoint and optional backups,
// tried in order on ErrInvalid failover. exporter may be nil, in which
// case RPC latency is not recorded.
func New(endpoints []string, exporter *metrics.Exporter) *Driver {
	healths := make(map[string]*endpointHealth, len(endpoints))
	for _, e := range endpoints {
		healths[e] = &endpointHealth{reputation: initialReputation}
	}
	return &Driver{
		endpoints:   endpoints,
		healths:     healths,
		dialTimeout: 5 * time.Second,
		backoffCfg: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 15 * time.Second
			return b
		},
		metrics: exporter,
	}
}

// Degraded reports whether the active channel missed a bounded
// cancellation ack and should be treated with suspicion by callers
// (e.g. the operator surface's get_mining_state endpoint).
func (d *Driver) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Driver) endpoint() string {
	if len(d.endpoints) == 0 {
		return ""
	}
	return d.endpoints[d.current%len(d.endpoints)]
}

// ensureConn dials the current endpoint if not already connected,
// retrying transient failures with exponential backoff.
func (d *Driver) ensureConn() error {
	if d.conn != nil {
		return nil
	}
	endpoint := d.endpoint()
	if endpoint == "" {
		return &MinerError{Kind: ErrTransport, Err: fmt.Errorf("no miner endpoints configured")}
	}

	var conn net.Conn
	op := func() error {
		c, err := net.DialTimeout("tcp", endpoint, d.dialTimeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, d.backoffCfg()); err != nil {
		d.penalize(endpoint, transportPenalty)
		return &MinerError{Kind: ErrTransport, Err: err}
	}
	d.conn = conn
	return nil
}

func (d *Driver) penalize(endpoint string, amount float64) {
	h, ok := d.healths[endpoint]
	if !ok {
		return
	}
	h.reputation -= amount
	if h.reputation < banReputationFloor {
		h.bannedUntil = time.Now().Add(banDuration)
		h.reputation = initialReputation / 2
	}
}

func (d *Driver) reward(endpoint string) {
	h, ok := d.healths[endpoint]
	if !ok {
		return
	}
	h.reputation += recoveryOnSuccess
	if h.reputation > initialReputation {
		h.reputation = initialReputation
	}
}

// failover advances to the next configured endpoint and drops the
// current connection, triggered on ErrInvalid.
func (d *Driver) failover() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	if len(d.endpoints) > 1 {
		d.current = (d.current + 1) % len(d.endpoints)
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, size)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type frameResult struct {
	payload []byte
	err     error
}

// Request hands a candidate header and target to the miner and blocks
// until a nonce is found, the request is cancelled via ctx, or a
// transport/protocol error occurs. Only one Request may be outstanding.
func (d *Driver) Request(ctx context.Context, headerBytes []byte, target uint256.Int, seed types.Hash32) (uint64, error) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrBusy}
	}
	d.inFlight = true
	endpoint := d.endpoint()
	if err := d.ensureConn(); err != nil {
		d.inFlight = false
		d.mu.Unlock()
		return 0, err
	}
	conn := d.conn
	d.mu.Unlock()

	start := time.Now()
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.MinerRPCLatency.WithLabelValues("mine").Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	req := mineRequest{Type: "mine", Header: headerBytes, Target: target.Hex(), Seed: seed}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, &MinerError{Kind: ErrInvalid, Err: err}
	}
	if err := writeFrame(conn, payload); err != nil {
		d.mu.Lock()
		d.failover()
		d.penalize(endpoint, transportPenalty)
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrTransport, Err: err}
	}

	respCh := make(chan frameResult, 1)
	go func() {
		frame, err := readFrame(conn)
		respCh <- frameResult{payload: frame, err: err}
	}()

	select {
	case <-ctx.Done():
		return d.handleCancellation(conn, endpoint, respCh)
	case r := <-respCh:
		return d.handleMineResponse(endpoint, r)
	}
}

func (d *Driver) handleMineResponse(endpoint string, r frameResult) (uint64, error) {
	if r.err != nil {
		d.mu.Lock()
		d.failover()
		d.penalize(endpoint, transportPenalty)
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrTransport, Err: r.err}
	}
	var resp mineResponse
	if err := json.Unmarshal(r.payload, &resp); err != nil {
		d.mu.Lock()
		d.penalize(endpoint, invalidPenalty)
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrInvalid, Err: err}
	}
	if resp.Error != "" {
		d.mu.Lock()
		d.failover()
		d.penalize(endpoint, invalidPenalty)
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrInvalid, Err: fmt.Errorf("%s", resp.Error)}
	}
	d.mu.Lock()
	d.reward(endpoint)
	d.mu.Unlock()
	return resp.Nonce, nil
}

// handleCancellation issues a stop and waits up to ackWaitTimeout for any
// response on the in-flight read (either the aborted mine response or a
// stop ack); whichever arrives, the caller still observes Cancelled. If
// nothing arrives in time, the channel is marked degraded.
func (d *Driver) handleCancellation(conn net.Conn, endpoint string, respCh <-chan frameResult) (uint64, error) {
	stopPayload, err := json.Marshal(stopRequest{Type: "stop"})
	if err == nil {
		_ = writeFrame(conn, stopPayload)
	}

	select {
	case <-respCh:
		return 0, &MinerError{Kind: ErrCancelled}
	case <-time.After(ackWaitTimeout):
		d.mu.Lock()
		d.degraded = true
		d.mu.Unlock()
		return 0, &MinerError{Kind: ErrCancelled}
	}
}

// Ping checks liveness of the active connection without affecting the
// outstanding-request invariant, used by health checks between mines.
func (d *Driver) Ping(ctx context.Context) error {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		return &MinerError{Kind: ErrBusy}
	}
	if err := d.ensureConn(); err != nil {
		d.mu.Unlock()
		return err
	}
	conn := d.conn
	d.mu.Unlock()

	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.MinerRPCLatency.WithLabelValues("ping").Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	payload, _ := json.Marshal(pingRequest{Type: "ping"})
	if err := writeFrame(conn, payload); err != nil {
		return &MinerError{Kind: ErrTransport, Err: err}
	}
	frame, err := readFrame(conn)
	if err != nil {
		return &MinerError{Kind: ErrTransport, Err: err}
	}
	var resp pingResponse
	if err := json.Unmarshal(frame, &resp); err != nil || !resp.Ok {
		return &MinerError{Kind: ErrInvalid, Err: fmt.Errorf("ping rejected")}
	}
	return nil
}

// Close shuts down the active connection, if any.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
