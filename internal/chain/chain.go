// Package chain submits bond token transfers to the settlement chain.
//
// A transfer moves units of one bond series from the seller's address to
// the buyer's. Submissions carry an idempotency key (the offer id): asking
// again with the same key never sends a second transaction, it reports on
// the first one.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrInvalidUnits   = errors.New("chain: units must be positive")
)

// Status is the terminal state of a submitted transfer as far as the
// client could observe it.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected" // reverted or refused; never retry
	StatusTimeout   Status = "timeout"  // no receipt before the deadline; may still land
)

// TransferSpec describes one token movement.
type TransferSpec struct {
	From      string
	To        string
	SeriesRef string
	Units     tenths.UnitAmount
	OfferID   string
}

func (s TransferSpec) validate() error {
	if !s.Units.IsPositive() {
		return ErrInvalidUnits
	}
	if s.From == "" || s.To == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidAddress)
	}
	return nil
}

// Receipt reports a submission. Digest is set whenever a transaction was
// broadcast, including for timeouts and rejections.
type Receipt struct {
	Digest      string
	Status      Status
	BlockNumber uint64
}

// Client submits transfers. An error means the outcome is unknown (RPC
// down, malformed request before broadcast); a non-nil Receipt carries a
// known outcome.
type Client interface {
	Submit(ctx context.Context, spec TransferSpec, idempotencyKey string) (*Receipt, error)
}

// SubmitError wraps a failure with the step that produced it.
type SubmitError struct {
	Op     string
	Digest string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Digest != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.Digest, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
