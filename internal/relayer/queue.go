// Package relayer submits gas-sponsored transactions from a single server-held key.
//
// All submissions for one key go through one Queue. A single goroutine owns the
// nonce, so back-to-back releases never race each other for the same nonce, and
// each job waits for its receipt (bounded by ReceiptTimeout) before the next job
// is signed.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of *ethclient.Client the queue needs.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var (
	ErrInsufficientGasFunds = errors.New("relayer has insufficient funds for gas")
	ErrContractNotDeployed  = errors.New("contract not deployed")
	ErrSubmissionUnknown    = errors.New("submission status unknown")
	ErrReverted             = errors.New("transaction reverted")
	ErrNotSubmitted         = errors.New("request abandoned before submission")
	ErrQueueClosed          = errors.New("relayer queue closed")
)

// SubmitError is returned once a transaction has been broadcast but did not succeed.
type SubmitError struct {
	TxHash common.Hash
	Nonce  uint64
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("tx %s (nonce %d): %v", e.TxHash.Hex(), e.Nonce, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

type Options struct {
	GasLimit              uint64
	GasPriceMultiplierPct int64
	ReceiptTimeout        time.Duration
	PollInterval          time.Duration
	QueueSize             int
	// Observe is called once per job with its label and outcome.
	Observe func(label, outcome string, elapsed time.Duration)
}

func (o *Options) applyDefaults() {
	if o.GasLimit == 0 {
		o.GasLimit = 300_000
	}
	if o.GasPriceMultiplierPct <= 0 {
		o.GasPriceMultiplierPct = 120
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

type Request struct {
	Label string
	To    common.Address
	Data  []byte
}

type Result struct {
	TxHash   common.Hash
	Nonce    uint64
	GasPrice *big.Int
	Receipt  *types.Receipt
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan reply
}

type reply struct {
	res Result
	err error
}

type Queue struct {
	backend Backend
	signer  *Signer
	opts    Options

	jobs      chan job
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	depth     atomic.Int64

	// owned by run
	nonce      uint64
	nonceKnown bool
	deployed   map[common.Address]bool
}

func NewQueue(backend Backend, signer *Signer, opts Options) *Queue {
	opts.applyDefaults()
	q := &Queue{
		backend:  backend,
		signer:   signer,
		opts:     opts,
		jobs:     make(chan job, opts.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		deployed: make(map[common.Address]bool),
	}
	go q.run()
	return q
}

func (q *Queue) Address() common.Address { return q.signer.Address() }

// Depth is the number of jobs waiting or in flight.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// Submit enqueues req and blocks until it is mined, fails, or its outcome becomes unknown.
// A job whose ctx is cancelled before it reaches the front of the queue is never sent.
func (q *Queue) Submit(ctx context.Context, req Request) (Result, error) {
	rep := make(chan reply, 1)
	q.depth.Add(1)
	select {
	case q.jobs <- job{ctx: ctx, req: req, reply: rep}:
	case <-ctx.Done():
		q.depth.Add(-1)
		return Result{}, fmt.Errorf("%w: %v", ErrNotSubmitted, ctx.Err())
	case <-q.quit:
		q.depth.Add(-1)
		return Result{}, ErrQueueClosed
	}

	select {
	case r := <-rep:
		return r.res, r.err
	case <-q.done:
		select {
		case r := <-rep:
			return r.res, r.err
		default:
			return Result{}, ErrQueueClosed
		}
	}
}

// Close stops accepting work, fails queued jobs, and waits for the in-flight job.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.quit) })
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			q.drain()
			return
		case j := <-q.jobs:
			q.handle(j)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			q.depth.Add(-1)
			j.reply <- reply{err: ErrQueueClosed}
		default:
			return
		}
	}
}

func (q *Queue) handle(j job) {
	start := time.Now()
	res, err := q.process(j)
	q.depth.Add(-1)
	if q.opts.Observe != nil {
		q.opts.Observe(j.req.Label, outcome(err), time.Since(start))
	}
	j.reply <- reply{res: res, err: err}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "mined"
	case errors.Is(err, ErrSubmissionUnknown):
		return "unknown"
	case errors.Is(err, ErrNotSubmitted):
		return "abandoned"
	case errors.Is(err, ErrInsufficientGasFunds):
		return "underfunded"
	case errors.Is(err, ErrContractNotDeployed):
		return "not_deployed"
	case errors.Is(err, ErrReverted):
		return "reverted"
	}
	return "error"
}

func (q *Queue) process(j job) (Result, error) {
	ctx := j.ctx
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNotSubmitted, err)
	}
	from := q.signer.Address()
	to := j.req.To

	if err := q.ensureDeployed(ctx, to); err != nil {
		return Result{}, err
	}

	// Surface contract reverts before any gas is spent.
	if _, err := q.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Gas: q.opts.GasLimit, Data: j.req.Data}, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNotSubmitted, ctx.Err())
		}
		if isInsufficientFunds(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrInsufficientGasFunds, err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrReverted, err)
	}

	suggested, err := q.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice := new(big.Int).Mul(suggested, big.NewInt(q.opts.GasPriceMultiplierPct))
	gasPrice.Div(gasPrice, big.NewInt(100))

	balance, err := q.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return Result{}, fmt.Errorf("relayer balance: %w", err)
	}
	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(q.opts.GasLimit))
	if balance.Cmp(required) < 0 {
		return Result{}, fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientGasFunds, balance, required)
	}

	// Once signed and broadcast the job is ours to finish; the caller's ctx no longer applies.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.ReceiptTimeout)
	defer cancel()

	signed, err := q.send(sendCtx, to, j.req.Data, gasPrice, true)
	if err != nil {
		return Result{}, err
	}
	res := Result{TxHash: signed.Hash(), Nonce: signed.Nonce(), GasPrice: gasPrice}

	receipt, err := q.waitForReceipt(sendCtx, signed.Hash())
	if err != nil {
		// The node may still mine it; the next job must ask the node for the nonce.
		q.nonceKnown = false
		return res, &SubmitError{TxHash: res.TxHash, Nonce: res.Nonce, Err: fmt.Errorf("%w: %v", ErrSubmissionUnknown, err)}
	}
	res.Receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		return res, &SubmitError{TxHash: res.TxHash, Nonce: res.Nonce, Err: ErrReverted}
	}
	return res, nil
}

func (q *Queue) send(ctx context.Context, to common.Address, data []byte, gasPrice *big.Int, retryNonce bool) (*types.Transaction, error) {
	if !q.nonceKnown {
		n, err := q.backend.PendingNonceAt(ctx, q.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("pending nonce: %w", err)
		}
		q.nonce = n
		q.nonceKnown = true
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    q.nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      q.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := q.signer.Sign(tx)
	if err != nil {
		return nil, err
	}

	if err := q.backend.SendTransaction(ctx, signed); err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already known"):
			// identical tx already in the pool
		case strings.Contains(msg, "nonce too low") && retryNonce:
			q.nonceKnown = false
			return q.send(ctx, to, data, gasPrice, false)
		case isInsufficientFunds(err):
			q.nonceKnown = false
			return nil, fmt.Errorf("%w: %v", ErrInsufficientGasFunds, err)
		case isTransportFailure(err):
			// The node may have accepted it before the connection dropped.
			q.nonceKnown = false
			return nil, &SubmitError{TxHash: signed.Hash(), Nonce: signed.Nonce(), Err: fmt.Errorf("%w: send: %v", ErrSubmissionUnknown, err)}
		default:
			q.nonceKnown = false
			return nil, fmt.Errorf("send tx: %w", err)
		}
	}
	q.nonce++
	return signed, nil
}

func (q *Queue) ensureDeployed(ctx context.Context, addr common.Address) error {
	if q.deployed[addr] {
		return nil
	}
	code, err := q.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrContractNotDeployed, addr.Hex())
	}
	q.deployed[addr] = true
	return nil
}

// waitForReceipt polls until the transaction is mined or ctx is done.
// RPC errors while polling are retried; only the deadline ends the wait.
func (q *Queue) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := q.backend.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last rpc error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// RevertData extracts the raw revert payload a node attached to err, if any.
func RevertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	switch v := de.ErrorData().(type) {
	case string:
		data, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil
		}
		return data
	case []byte:
		return v
	}
	return nil
}
