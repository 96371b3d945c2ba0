package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testContract = "0x1111111111111111111111111111111111111111"
	seller       = "0x2222222222222222222222222222222222222222"
	buyer        = "0x3333333333333333333333333333333333333333"
)

type fakeBackend struct {
	mu          sync.Mutex
	sent        []*types.Transaction
	sendErr     error
	pollsBefore int // receipt lookups that miss before the receipt appears
	status      uint64
	never       bool
	lookups     int
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.never || f.lookups <= f.pollsBefore {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: h, Status: f.status, BlockNumber: big.NewInt(42)}, nil
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, b *fakeBackend) *EthClient {
	t.Helper()
	c, err := NewEthClient(EthConfig{PrivateKey: "0x" + testKey, ChainID: 84532, Contract: testContract},
		WithBackend(b), WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return c
}

func spec() TransferSpec {
	return TransferSpec{From: seller, To: buyer, SeriesRef: "2031", Units: 500, OfferID: "ofr_1"}
}

func TestEthClient_Confirmed(t *testing.T) {
	b := &fakeBackend{pollsBefore: 2, status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, b)

	r, err := c.Submit(context.Background(), spec(), "ofr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, uint64(42), r.BlockNumber)
	require.Len(t, b.sent, 1)
	assert.Equal(t, b.sent[0].Hash().Hex(), r.Digest)
	assert.Equal(t, common.HexToAddress(testContract), *b.sent[0].To())
	assert.Equal(t, DefaultGasLimit, b.sent[0].Gas(), "falls back when estimation fails")
}

func TestEthClient_RevertIsRejected(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusFailed}
	c := newTestClient(t, b)

	r, err := c.Submit(context.Background(), spec(), "ofr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.NotEmpty(t, r.Digest)
}

func TestEthClient_DeadlineIsTimeout(t *testing.T) {
	b := &fakeBackend{never: true}
	c := newTestClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r, err := c.Submit(ctx, spec(), "ofr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, r.Status)
	assert.NotEmpty(t, r.Digest)
}

func TestEthClient_SameKeyDoesNotResend(t *testing.T) {
	b := &fakeBackend{never: true}
	c := newTestClient(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	first, err := c.Submit(ctx, spec(), "ofr_1")
	cancel()
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, first.Status)

	b.mu.Lock()
	b.never = false
	b.status = types.ReceiptStatusSuccessful
	b.mu.Unlock()

	second, err := c.Submit(context.Background(), spec(), "ofr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, second.Status)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Len(t, b.sent, 1)
}

func TestEthClient_SendFailureIsError(t *testing.T) {
	b := &fakeBackend{sendErr: errors.New("connection refused")}
	c := newTestClient(t, b)

	_, err := c.Submit(context.Background(), spec(), "ofr_1")
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "send", se.Op)

	b.sendErr = nil
	b.status = types.ReceiptStatusSuccessful
	r, err := c.Submit(context.Background(), spec(), "ofr_1")
	require.NoError(t, err, "a failed send is not remembered")
	assert.Equal(t, StatusConfirmed, r.Status)
}

func TestEthClient_RejectsNonHexParticipants(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	s := spec()
	s.To = "alice"
	_, err := c.Submit(context.Background(), s, "ofr_1")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNewEthClient_Validation(t *testing.T) {
	_, err := NewEthClient(EthConfig{PrivateKey: "abc", Contract: testContract}, WithBackend(&fakeBackend{}))
	assert.Error(t, err)

	_, err = NewEthClient(EthConfig{PrivateKey: testKey, Contract: "nope"}, WithBackend(&fakeBackend{}))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestTokenID(t *testing.T) {
	assert.Equal(t, big.NewInt(2031), TokenID("2031"))
	assert.Equal(t, TokenID("RSEB-2031-A"), TokenID("RSEB-2031-A"))
	assert.NotEqual(t, TokenID("RSEB-2031-A"), TokenID("RSEB-2031-B"))
}

func TestSimulated(t *testing.T) {
	t.Run("confirms by default with a stable digest", func(t *testing.T) {
		s := NewSimulated()
		r, err := s.Submit(context.Background(), spec(), "ofr_1")
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, r.Status)
		assert.Equal(t, Digest("ofr_1"), r.Digest)

		again, err := s.Submit(context.Background(), spec(), "ofr_1")
		require.NoError(t, err)
		assert.Equal(t, r.BlockNumber, again.BlockNumber)
		assert.Equal(t, 2, s.Calls("ofr_1"))
	})

	t.Run("scripted outcomes in order", func(t *testing.T) {
		s := NewSimulated()
		boom := errors.New("rpc down")
		s.Script(Outcome{Err: boom}, Outcome{Status: StatusTimeout}, Outcome{Status: StatusRejected})

		_, err := s.Submit(context.Background(), spec(), "a")
		assert.ErrorIs(t, err, boom)

		r, err := s.Submit(context.Background(), spec(), "a")
		require.NoError(t, err)
		assert.Equal(t, StatusTimeout, r.Status)

		r, err = s.Submit(context.Background(), spec(), "a")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, r.Status)

		r, err = s.Submit(context.Background(), spec(), "a")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, r.Status, "terminal status sticks to the key")
		assert.Equal(t, 4, s.Total())
	})

	t.Run("latency honours cancellation", func(t *testing.T) {
		s := NewSimulated()
		s.Latency = time.Second
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Submit(ctx, spec(), "a")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("rejects empty transfers", func(t *testing.T) {
		s := NewSimulated()
		bad := spec()
		bad.Units = 0
		_, err := s.Submit(context.Background(), bad, "a")
		assert.ErrorIs(t, err, ErrInvalidUnits)
	})
}
