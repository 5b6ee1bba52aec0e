package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"mailrails/internal/contracts"
	"mailrails/internal/relayer"
)

// EthClient reads the stablecoin and escrow and submits releases and refunds through the relayer queue.
type EthClient struct {
	client   *ethclient.Client
	token    *bind.BoundContract
	escrow   *bind.BoundContract
	escrowAt common.Address
	chainID  *big.Int
	queue    *relayer.Queue
}

type EthClientConfig struct {
	RPCURL            string
	PrivateKeyHex     string
	StablecoinAddress string
	EscrowAddress     string
	Relayer           relayer.Options
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("email escrow address is required")
	}
	if !common.IsHexAddress(cfg.StablecoinAddress) {
		return nil, fmt.Errorf("stablecoin address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	escrowAt := common.HexToAddress(cfg.EscrowAddress)
	c := &EthClient{
		client:   cli,
		token:    bind.NewBoundContract(common.HexToAddress(cfg.StablecoinAddress), contracts.Stablecoin, cli, cli, cli),
		escrow:   bind.NewBoundContract(escrowAt, contracts.EmailEscrow, cli, cli, cli),
		escrowAt: escrowAt,
		chainID:  chainID,
	}

	if cfg.PrivateKeyHex != "" {
		signer, err := relayer.NewSigner(cfg.PrivateKeyHex, chainID)
		if err != nil {
			cli.Close()
			return nil, err
		}
		c.queue = relayer.NewQueue(cli, signer, cfg.Relayer)
	}
	return c, nil
}

func (c *EthClient) Close() {
	if c.queue != nil {
		c.queue.Close()
	}
	c.client.Close()
}

// QueueDepth reports pending relayer jobs; zero for a read-only client.
func (c *EthClient) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

func (c *EthClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *EthClient) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *EthClient) Release(ctx context.Context, req ReleaseRequest) (SubmitResponse, error) {
	data, err := contracts.PackRelease(req.TransferID, req.RecipientEmail, req.Recipient)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("pack release: %w", err)
	}
	return c.submit(ctx, "release", data)
}

func (c *EthClient) Refund(ctx context.Context, req RefundRequest) (SubmitResponse, error) {
	data, err := contracts.PackRefund(req.TransferID)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("pack refund: %w", err)
	}
	return c.submit(ctx, "refund", data)
}

func (c *EthClient) submit(ctx context.Context, label string, data []byte) (SubmitResponse, error) {
	if c.queue == nil {
		return SubmitResponse{}, fmt.Errorf("client is read-only")
	}
	res, err := c.queue.Submit(ctx, relayer.Request{Label: label, To: c.escrowAt, Data: data})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("%s tx: %w", label, classify(err))
	}
	return SubmitResponse{TxHash: res.TxHash.Hex()}, nil
}

func (c *EthClient) Deposit(ctx context.Context, transferID string) (Deposit, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "getDeposit", contracts.TransferIDHash(transferID)); err != nil {
		return Deposit{}, fmt.Errorf("getDeposit: %w", err)
	}
	if len(out) != 5 {
		return Deposit{}, fmt.Errorf("getDeposit: unexpected output length %d", len(out))
	}
	return Deposit{
		Sender:    out[0].(common.Address),
		Amount:    out[1].(*big.Int),
		EmailHash: common.Hash(out[2].([32]byte)),
		ExpiresAt: time.Unix(int64(out[3].(uint64)), 0).UTC(),
		State:     contracts.DepositState(out[4].(uint8)),
	}, nil
}

func (c *EthClient) ReceiptStatus(ctx context.Context, txHash string) (ReceiptStatus, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return ReceiptPending, nil
	}
	if err != nil {
		return ReceiptPending, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if receipt.Status == 1 {
		return ReceiptSuccess, nil
	}
	return ReceiptFailed, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
