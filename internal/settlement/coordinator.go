package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/chain"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/circuitbreaker"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/idgen"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/notify"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/retry"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/syncutil"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/traces"
)

var errChainTimeout = errors.New("no receipt before the submission deadline")

// DistributedLocker serializes a key across processes.
type DistributedLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type Config struct {
	SubmitTimeout  time.Duration // per chain attempt
	SubmitAttempts int
	SubmitBackoff  time.Duration
	CommitAttempts int
	CommitBackoff  time.Duration

	BreakerThreshold int
	BreakerCoolDown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:    45 * time.Second,
		SubmitAttempts:   3,
		SubmitBackoff:    time.Second,
		CommitAttempts:   3,
		CommitBackoff:    100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCoolDown:  30 * time.Second,
	}
}

// Coordinator settles accepted offers. It implements offers.Settler and
// offers.ListingLocker.
type Coordinator struct {
	store   Store
	chain   chain.Client
	events  notify.Publisher
	cfg     Config
	breaker *circuitbreaker.Breaker

	locks    *syncutil.ContextMutex
	dlock    DistributedLocker
	inflight syncutil.InFlight
	fallback fallbackQueue
	wg       sync.WaitGroup
	now      func() time.Time
}

var (
	_ offers.Settler       = (*Coordinator)(nil)
	_ offers.ListingLocker = (*Coordinator)(nil)
)

func NewCoordinator(store Store, client chain.Client, cfg Config) *Coordinator {
	b := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCoolDown)
	b.Trips = func(err error) bool {
		return !errors.Is(err, chain.ErrInvalidAddress) && !errors.Is(err, chain.ErrInvalidUnits)
	}
	return &Coordinator{
		store:   store,
		chain:   client,
		events:  notify.Nop{},
		cfg:     cfg,
		breaker: b,
		locks:   syncutil.NewContextMutex(),
		now:     time.Now,
	}
}

func (c *Coordinator) WithEvents(p notify.Publisher) *Coordinator {
	c.events = p
	return c
}

// WithDistributedLock adds a cross-process listing lock on top of the
// in-process one.
func (c *Coordinator) WithDistributedLock(l DistributedLocker) *Coordinator {
	c.dlock = l
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Wait blocks until every detached settlement has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Settle runs the settlement detached from ctx: a caller that goes away
// gets ctx's error, and the settlement still completes.
func (c *Coordinator) Settle(ctx context.Context, req offers.SettleRequest) (*offers.Settlement, error) {
	done, ok := c.inflight.Begin(req.OfferID)
	if !ok {
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return nil, ErrSettlementInFlight
	}

	type result struct {
		st  *offers.Settlement
		err error
	}
	ch := make(chan result, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer done()
		st, err := c.settle(context.WithoutCancel(ctx), req)
		metrics.SettlementsTotal.WithLabelValues(outcome(st, err)).Inc()
		ch <- result{st, err}
	}()

	select {
	case r := <-ch:
		return r.st, r.err
	case <-ctx.Done():
		logging.L(ctx).Warn("caller left before settlement finished", "offer_id", req.OfferID)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) settle(ctx context.Context, req offers.SettleRequest) (_ *offers.Settlement, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle", traces.OfferID(req.OfferID), traces.ListingID(req.ListingID))
	defer func() { traces.End(span, err) }()
	ctx = logging.With(ctx, "offer_id", req.OfferID, "listing_id", req.ListingID)

	unlock, err := c.LockListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := c.store.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if o.ListingID != req.ListingID {
		return nil, apperr.Validation("offer %s does not belong to listing %s", o.ID, req.ListingID)
	}
	if o.Status != offers.StatusPending {
		return nil, offers.ErrOfferNotPending
	}
	l, err := c.store.GetListing(ctx, o.ListingID)
	if err != nil {
		return nil, err
	}
	if l.Status != offers.ListingOpen || o.Units.Cmp(l.UnitsAvailable) > 0 {
		return nil, fmt.Errorf("%w: listing %s is %s with %s available", ErrInventoryChanged, l.ID, l.Status, l.UnitsAvailable)
	}

	rcpt, err := c.submit(ctx, chain.TransferSpec{
		From:      o.SellerID,
		To:        o.BuyerID,
		SeriesRef: req.SeriesRef,
		Units:     o.Units,
		OfferID:   o.ID,
	})
	if err != nil {
		logging.L(ctx).Warn("chain submission failed", "error", err, "retryable", apperr.IsRetryable(err))
		return nil, err
	}

	t := &Transfer{
		ID:            idgen.WithPrefix(idgen.Transfer),
		OfferID:       o.ID,
		ListingID:     o.ListingID,
		BondID:        o.BondID,
		SellerID:      o.SellerID,
		BuyerID:       o.BuyerID,
		Units:         o.Units,
		Price:         req.Price,
		ChainTxDigest: rcpt.Digest,
		CreatedAt:     c.now().UTC(),
	}
	res, err := c.commit(ctx, t)
	if err != nil {
		c.deferCommit(ctx, t, err)
		pending := *o
		pending.ChainTxRef = rcpt.Digest
		pending.SettlementPrice = &t.Price
		return &offers.Settlement{Offer: &pending, ChainTxRef: rcpt.Digest, Pending: true}, nil
	}

	logging.L(ctx).Info("offer settled",
		"tx_digest", rcpt.Digest, "units", t.Units.String(), "price", t.Price.String(), "cancelled", len(res.Cancelled))
	c.publish(ctx, res, "")
	return &offers.Settlement{Offer: res.Offer, ChainTxRef: rcpt.Digest}, nil
}

// submit sends the transfer under the per-attempt timeout. Timeouts and
// transport failures are retried with the same idempotency key;
// rejections are final.
func (c *Coordinator) submit(ctx context.Context, spec chain.TransferSpec) (_ *chain.Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ChainSubmit", traces.OfferID(spec.OfferID), traces.Units(spec.Units.String()))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() { metrics.ChainSubmitDuration.Observe(time.Since(start).Seconds()) }()

	var rcpt *chain.Receipt
	err = retry.Do(ctx, c.cfg.SubmitAttempts, c.cfg.SubmitBackoff, func(attempt int) error {
		actx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()

		var r *chain.Receipt
		err := c.breaker.Execute(spec.SeriesRef, func() error {
			var err error
			r, err = c.chain.Submit(actx, spec, spec.OfferID)
			if err == nil && r.Status == chain.StatusTimeout {
				return fmt.Errorf("%w (tx %s)", errChainTimeout, r.Digest)
			}
			return err
		})

		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.ChainSubmitAttempts.WithLabelValues("circuit_open").Inc()
			return retry.Permanent(apperr.ChainSubmission(err, true))
		case errors.Is(err, chain.ErrInvalidAddress), errors.Is(err, chain.ErrInvalidUnits):
			metrics.ChainSubmitAttempts.WithLabelValues("invalid").Inc()
			return retry.Permanent(apperr.ChainSubmission(err, false))
		case errors.Is(err, errChainTimeout):
			metrics.ChainSubmitAttempts.WithLabelValues(string(chain.StatusTimeout)).Inc()
			logging.L(ctx).Warn("chain submission timed out", "attempt", attempt)
			return apperr.ChainSubmission(err, true)
		case err != nil:
			metrics.ChainSubmitAttempts.WithLabelValues("error").Inc()
			logging.L(ctx).Warn("chain submission error", "attempt", attempt, "error", err)
			return apperr.ChainSubmission(err, true)
		case r.Status == chain.StatusRejected:
			metrics.ChainSubmitAttempts.WithLabelValues(string(chain.StatusRejected)).Inc()
			return retry.Permanent(apperr.ChainSubmission(fmt.Errorf("transaction %s was rejected", r.Digest), false))
		}
		metrics.ChainSubmitAttempts.WithLabelValues(string(chain.StatusConfirmed)).Inc()
		rcpt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TxDigest(rcpt.Digest))
	return rcpt, nil
}

// commit retries transient store failures. A transfer that is already
// recorded counts as committed.
func (c *Coordinator) commit(ctx context.Context, t *Transfer) (*CommitResult, error) {
	var res *CommitResult
	err := retry.Do(ctx, c.cfg.CommitAttempts, c.cfg.CommitBackoff, func(int) error {
		r, err := c.store.Commit(ctx, t)
		if errors.Is(err, ErrAlreadySettled) {
			o, gerr := c.store.GetOffer(ctx, t.OfferID)
			if gerr != nil {
				return gerr
			}
			res = &CommitResult{Offer: o}
			return nil
		}
		if err != nil {
			if apperr.KindOf(err) != "" {
				return retry.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// deferCommit records that t is on chain but not in the books.
func (c *Coordinator) deferCommit(ctx context.Context, t *Transfer, cause error) {
	now := c.now().UTC()
	r := &Reconciliation{
		ID:            idgen.WithPrefix(idgen.Reconciliation),
		OfferID:       t.OfferID,
		ListingID:     t.ListingID,
		BondID:        t.BondID,
		SellerID:      t.SellerID,
		BuyerID:       t.BuyerID,
		Units:         t.Units,
		Price:         t.Price,
		ChainTxDigest: t.ChainTxDigest,
		Attempts:      1,
		LastError:     cause.Error(),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     now,
	}

	logging.L(ctx).Error("settlement bookkeeping deferred to reconciliation",
		"error", apperr.Reconciliation(t.ChainTxDigest, cause), "reconciliation_id", r.ID)
	if err := c.store.CreateReconciliation(ctx, r); err != nil {
		c.fallback.push(r)
		logging.L(ctx).Error("reconciliation marker kept in memory until the store recovers",
			"reconciliation_id", r.ID, "tx_digest", r.ChainTxDigest, "error", err)
	}
	metrics.ReconciliationsPending.Inc()

	notify.Emit(ctx, c.events, notify.Event{
		Type:       notify.SettlementDeferred,
		BondID:     t.BondID,
		ListingID:  t.ListingID,
		OfferID:    t.OfferID,
		BuyerID:    t.BuyerID,
		SellerID:   t.SellerID,
		Units:      t.Units,
		Price:      t.Price,
		ChainTxRef: t.ChainTxDigest,
		At:         now,
	})
}

// Replay commits the bookkeeping for a marker under the listing lock.
func (c *Coordinator) Replay(ctx context.Context, r *Reconciliation) (*CommitResult, error) {
	ctx = logging.With(ctx, "reconciliation_id", r.ID, "offer_id", r.OfferID, "tx_digest", r.ChainTxDigest)

	unlock, err := c.lock(ctx, r.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := c.commit(ctx, r.Transfer(idgen.WithPrefix(idgen.Transfer), r.CreatedAt))
	if err != nil {
		return nil, err
	}
	if res.Listing != nil {
		c.publish(ctx, res, "replayed by reconciliation")
		notify.Emit(ctx, c.events, notify.Event{
			Type: notify.SettlementReplayed, BondID: r.BondID, ListingID: r.ListingID, OfferID: r.OfferID,
			BuyerID: r.BuyerID, SellerID: r.SellerID, Units: r.Units, Price: r.Price, ChainTxRef: r.ChainTxDigest,
		})
	}
	return res, nil
}

// LockListing takes the listing lock for any writer of the listing. It
// refuses while a settlement on the listing awaits reconciliation, because
// the listing's books are behind the chain.
func (c *Coordinator) LockListing(ctx context.Context, listingID string) (func(), error) {
	unlock, err := c.lock(ctx, listingID)
	if err != nil {
		return nil, err
	}
	blocked := c.fallback.blocks(listingID)
	if !blocked {
		blocked, err = c.store.HasOpenReconciliation(ctx, listingID)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("check reconciliations: %w", err)
		}
	}
	if blocked {
		unlock()
		return nil, ErrListingBlocked
	}
	return unlock, nil
}

func (c *Coordinator) lock(ctx context.Context, listingID string) (func(), error) {
	local, err := c.locks.Lock(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if c.dlock == nil {
		return local, nil
	}
	ttl := c.cfg.SubmitTimeout*time.Duration(max(c.cfg.SubmitAttempts, 1)) + 30*time.Second
	remote, err := c.dlock.Acquire(ctx, "listing:"+listingID, ttl)
	if err != nil {
		local()
		return nil, err
	}
	return func() {
		remote()
		local()
	}, nil
}

func (c *Coordinator) publish(ctx context.Context, res *CommitResult, detail string) {
	metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusAccepted)).Inc()
	metrics.OfferTransitionsTotal.WithLabelValues(string(offers.StatusCancelled)).Add(float64(len(res.Cancelled)))

	notify.Emit(ctx, c.events, offers.OfferEvent(notify.OfferAccepted, res.Offer, detail))
	for _, o := range res.Cancelled {
		notify.Emit(ctx, c.events, offers.OfferEvent(notify.OfferCancelled, o, "another offer on the listing was accepted"))
	}
}

func outcome(st *offers.Settlement, err error) string {
	switch {
	case err == nil && st.Pending:
		return "deferred"
	case err == nil:
		return "settled"
	case errors.Is(err, apperr.ErrChainSubmission) && apperr.IsRetryable(err):
		return "chain_unavailable"
	case errors.Is(err, apperr.ErrChainSubmission):
		return "chain_rejected"
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidState):
		return "conflict"
	}
	return "error"
}

// fallbackQueue holds markers the store refused to persist.
type fallbackQueue struct {
	mu      sync.Mutex
	pending []*Reconciliation
}

func (q *fallbackQueue) push(r *Reconciliation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, r)
}

func (q *fallbackQueue) drain() []*Reconciliation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *fallbackQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *fallbackQueue) blocks(listingID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.pending {
		if r.ListingID == listingID {
			return true
		}
	}
	return false
}
