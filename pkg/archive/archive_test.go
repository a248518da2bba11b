package archive

import (
	"testing"
	"time"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/types"
)

func TestNew_RejectsMissingNodes(t *testing.T) {
	log := logger.NewLogger("error")
	_, err := New(Config{PinQuorum: "2/3"}, nil, log)
	if err == nil {
		t.Fatal("expected an error with no nodes configured")
	}
}

func TestNew_RejectsMalformedQuorum(t *testing.T) {
	log := logger.NewLogger("error")
	_, err := New(Config{Nodes: []string{"127.0.0.1:5001"}, PinQuorum: "bad"}, nil, log)
	if err == nil {
		t.Fatal("expected an error for a malformed quorum string")
	}
}

func TestNew_RejectsOutOfRangeQuorum(t *testing.T) {
	log := logger.NewLogger("error")
	_, err := New(Config{Nodes: []string{"127.0.0.1:5001"}, PinQuorum: "5/3"}, nil, log)
	if err == nil {
		t.Fatal("expected an error when the quorum numerator exceeds the denominator")
	}
}

func TestMirrorAsync_DropsOnFullQueue(t *testing.T) {
	log := logger.NewLogger("error")
	a, err := New(Config{
		Nodes:      []string{"127.0.0.1:5001"},
		PinQuorum:  "1/1",
		PinTimeout: time.Second,
		QueueSize:  1,
	}, nil, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b1 := types.Block{Header: types.Header{Height: 1}}
	b1.Finalize()
	b2 := types.Block{Header: types.Header{Height: 2}}
	b2.Finalize()

	// Run is intentionally not started: the queue never drains, so the
	// second enqueue must be dropped rather than block the caller.
	a.MirrorAsync(b1)
	a.MirrorAsync(b2)

	if len(a.queue) != 1 {
		t.Fatalf("expected exactly 1 queued block after a drop, got %d", len(a.queue))
	}
}
