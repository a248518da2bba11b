// API handlers for the consensus operator surface: canonical tip, fork
// summary, orphan count, mining state, and manual proposal submission.
package api

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/darkfi-go/consensusd/pkg/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"components": gin.H{
			"consensus_loop": s.validator.MiningState(),
			"miner_degraded": s.validator.MinerDegraded(),
		},
	})
}

func (s *Server) handleGetCanonicalTip(c *gin.Context) {
	tip, height, err := s.validator.CanonicalTip()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":   hex.EncodeToString(tip[:]),
		"height": height,
	})
}

func (s *Server) handleGetForkSummary(c *gin.Context) {
	summaries := s.validator.ForkSummary()
	out := make([]gin.H, len(summaries))
	for i, f := range summaries {
		out[i] = gin.H{
			"fork_id": f.ID,
			"length":  f.Length,
			"rank":    f.Rank,
		}
	}
	c.JSON(http.StatusOK, gin.H{"forks": out})
}

func (s *Server) handleGetOrphanCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orphan_count": s.validator.OrphanCount()})
}

func (s *Server) handleGetMiningState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":          s.validator.MiningState(),
		"miner_degraded": s.validator.MinerDegraded(),
	})
}

func (s *Server) handleSubmitProposal(c *gin.Context) {
	var req struct {
		HeaderHash       string   `json:"header_hash" binding:"required"`
		Version          uint8    `json:"version"`
		Previous         string   `json:"previous" binding:"required"`
		Height           uint32   `json:"height" binding:"required"`
		Timestamp        uint64   `json:"timestamp" binding:"required"`
		Nonce            uint64   `json:"nonce"`
		TransactionsRoot string   `json:"transactions_root"`
		StateRoot        string   `json:"state_root"`
		TxHashes         []string `json:"tx_hashes"`
		PowHash          string   `json:"pow_hash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		proposalSubmissionsTotal.WithLabelValues("rejected_syntax").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proposal format", "details": err.Error()})
		return
	}

	previous, err := parseHash32(req.Previous)
	if err != nil {
		proposalSubmissionsTotal.WithLabelValues("rejected_syntax").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid previous hash"})
		return
	}
	txRoot, _ := parseHash32(req.TransactionsRoot)
	stateRoot, _ := parseHash32(req.StateRoot)
	powHash, err := parseHash32(req.PowHash)
	if err != nil {
		proposalSubmissionsTotal.WithLabelValues("rejected_syntax").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pow hash"})
		return
	}

	txHashes := make([]types.Hash32, 0, len(req.TxHashes))
	for _, h := range req.TxHashes {
		parsed, err := parseHash32(h)
		if err != nil {
			proposalSubmissionsTotal.WithLabelValues("rejected_syntax").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tx hash", "value": h})
			return
		}
		txHashes = append(txHashes, parsed)
	}

	block := types.Block{
		Header: types.Header{
			Version:          req.Version,
			Previous:         previous,
			Height:           req.Height,
			Timestamp:        req.Timestamp,
			Nonce:            req.Nonce,
			TransactionsRoot: txRoot,
			StateRoot:        stateRoot,
		},
		TxHashes: txHashes,
		PowHash:  powHash,
	}
	block.Finalize()

	result, err := s.validator.IngestProposal(c.Request.Context(), block)
	if err != nil {
		proposalSubmissionsTotal.WithLabelValues("rejected_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	proposalSubmissionsTotal.WithLabelValues(result.Kind.String()).Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"kind":    result.Kind.String(),
		"fork_id": result.ForkID,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	tip, height, _ := s.validator.CanonicalTip()
	status := map[string]interface{}{
		"rate_limiter":  s.limiter.Stats(),
		"canonical_tip": hex.EncodeToString(tip[:]),
		"height":        height,
		"mining_state":  s.validator.MiningState(),
		"orphan_count":  s.validator.OrphanCount(),
	}
	c.JSON(http.StatusOK, status)
}

func parseHash32(s string) (types.Hash32, error) {
	var h types.Hash32
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, &hexLengthError{s}
	}
	copy(h[:], b)
	return h, nil
}

type hexLengthError struct{ value string }

func (e *hexLengthError) Error() string { return "malformed 32-byte hex value: " + e.value }
