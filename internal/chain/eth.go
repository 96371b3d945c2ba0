package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/syncutil"
)

// Minimal ERC-1155 ABI: one token id per bond series, amounts in tenths.
const bondTokenABI = `[
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"safeTransferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const (
	DefaultGasLimit     = uint64(150000)
	DefaultPollInterval = 2 * time.Second
)

// Backend is the subset of ethclient.Client the transfer path uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

type EthConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
	Contract   string
}

type EthOption func(*EthClient)

// WithBackend replaces the RPC connection, for tests.
func WithBackend(b Backend) EthOption {
	return func(c *EthClient) { c.backend = b }
}

func WithPollInterval(d time.Duration) EthOption {
	return func(c *EthClient) { c.poll = d }
}

// EthClient moves bond tokens with safeTransferFrom signed by the market
// operator, which holders have approved for their balances.
type EthClient struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	operator common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	poll     time.Duration

	keys    syncutil.KeyedMutex
	sent    sync.Map   // idempotency key -> common.Hash
	nonceMu sync.Mutex // held from PendingNonceAt until SendTransaction
}

var _ Client = (*EthClient)(nil)

func NewEthClient(cfg EthConfig, opts ...EthOption) (*EthClient, error) {
	hexKey := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(hexKey) != 64 {
		return nil, errors.New("chain: operator key must be 64 hex characters")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid operator key: %w", err)
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.Contract)
	}
	parsed, err := abi.JSON(strings.NewReader(bondTokenABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse token ABI: %w", err)
	}

	c := &EthClient{
		key:      key,
		operator: crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		c.backend = ec
	}
	return c, nil
}

// Operator returns the signing address.
func (c *EthClient) Operator() string { return c.operator.Hex() }

func (c *EthClient) Close() { c.backend.Close() }

// Submit broadcasts the transfer once per idempotency key and waits for its
// receipt until ctx expires.
func (c *EthClient) Submit(ctx context.Context, spec TransferSpec, idempotencyKey string) (*Receipt, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(spec.From) || !common.IsHexAddress(spec.To) {
		return nil, fmt.Errorf("%w: %q -> %q", ErrInvalidAddress, spec.From, spec.To)
	}

	defer c.keys.Lock(idempotencyKey)()

	var hash common.Hash
	if h, ok := c.sent.Load(idempotencyKey); ok {
		hash = h.(common.Hash)
	} else {
		tx, err := c.send(ctx, spec)
		if err != nil {
			return nil, err
		}
		hash = tx.Hash()
		c.sent.Store(idempotencyKey, hash)
	}
	return c.wait(ctx, hash)
}

func (c *EthClient) send(ctx context.Context, spec TransferSpec) (*types.Transaction, error) {
	data, err := c.abi.Pack("safeTransferFrom",
		common.HexToAddress(spec.From),
		common.HexToAddress(spec.To),
		TokenID(spec.SeriesRef),
		spec.Units.Big(),
		[]byte(spec.OfferID),
	)
	if err != nil {
		return nil, &SubmitError{Op: "pack", Err: err}
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return nil, &SubmitError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmitError{Op: "gas_price", Err: err}
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.operator,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &SubmitError{Op: "sign", Err: err}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, &SubmitError{Op: "send", Digest: signed.Hash().Hex(), Err: err}
	}
	return signed, nil
}

func (c *EthClient) wait(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			out := &Receipt{Digest: hash.Hex(), Status: StatusConfirmed}
			if r.BlockNumber != nil {
				out.BlockNumber = r.BlockNumber.Uint64()
			}
			if r.Status == types.ReceiptStatusFailed {
				out.Status = StatusRejected
			}
			return out, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &Receipt{Digest: hash.Hex(), Status: StatusTimeout}, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TokenID maps a bond series reference to its ERC-1155 token id. Numeric
// references are used as is; anything else is hashed.
func TokenID(seriesRef string) *big.Int {
	if id, ok := new(big.Int).SetString(seriesRef, 10); ok && id.Sign() >= 0 {
		return id
	}
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(seriesRef)))
}
