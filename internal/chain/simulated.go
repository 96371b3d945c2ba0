package chain

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Outcome scripts one Simulated submission.
type Outcome struct {
	Status Status
	Err    error
}

// Simulated is an in-memory chain for development and tests. Digests are
// the keccak hash of the idempotency key, so a key always maps to the same
// transaction. A key that reached a terminal status keeps it.
type Simulated struct {
	// Latency delays every submission; ctx cancellation ends the wait.
	Latency time.Duration

	mu       sync.Mutex
	block    uint64
	script   []Outcome
	receipts map[string]*Receipt
	calls    map[string]int
	total    int
}

var _ Client = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{
		receipts: make(map[string]*Receipt),
		calls:    make(map[string]int),
	}
}

// Script queues outcomes consumed one per Submit, in order. With the queue
// empty a submission confirms.
func (s *Simulated) Script(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

func (s *Simulated) Submit(ctx context.Context, spec TransferSpec, idempotencyKey string) (*Receipt, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[idempotencyKey]++
	s.total++
	if r, ok := s.receipts[idempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}

	out := Outcome{Status: StatusConfirmed}
	if len(s.script) > 0 {
		out, s.script = s.script[0], s.script[1:]
	}
	if out.Err != nil {
		return nil, out.Err
	}

	r := &Receipt{Digest: Digest(idempotencyKey), Status: out.Status}
	if out.Status == StatusTimeout {
		return r, nil
	}
	s.block++
	r.BlockNumber = s.block
	s.receipts[idempotencyKey] = r
	cp := *r
	return &cp, nil
}

// Calls returns how many times key was submitted.
func (s *Simulated) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Total returns the number of submissions across all keys.
func (s *Simulated) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Digest is the simulated transaction hash for an idempotency key.
func Digest(idempotencyKey string) string {
	return crypto.Keccak256Hash([]byte(idempotencyKey)).Hex()
}
