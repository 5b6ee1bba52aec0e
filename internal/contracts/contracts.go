// Package contracts holds the external call interfaces of the stablecoin and the email escrow.
package contracts

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"mailrails/internal/models"
)

const StablecoinABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const EmailEscrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"transferId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"emailHash","type":"bytes32"},{"name":"timeoutDays","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"transferId","type":"bytes32"},{"name":"email","type":"string"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"transferId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getDeposit","stateMutability":"view","inputs":[{"name":"transferId","type":"bytes32"}],"outputs":[{"name":"sender","type":"address"},{"name":"amount","type":"uint256"},{"name":"emailHash","type":"bytes32"},{"name":"expiresAt","type":"uint64"},{"name":"state","type":"uint8"}]},
  {"type":"error","name":"EmailHashMismatch","inputs":[]},
  {"type":"error","name":"AlreadyReleased","inputs":[]},
  {"type":"error","name":"DepositNotFound","inputs":[]},
  {"type":"error","name":"NotExpired","inputs":[]}
]`

// DepositState mirrors the escrow's per-deposit enum.
type DepositState uint8

const (
	DepositNone DepositState = iota
	DepositActive
	DepositReleased
	DepositRefunded
)

func (s DepositState) String() string {
	switch s {
	case DepositActive:
		return "active"
	case DepositReleased:
		return "released"
	case DepositRefunded:
		return "refunded"
	}
	return "none"
}

var (
	Stablecoin  = mustParse(StablecoinABI)
	EmailEscrow = mustParse(EmailEscrowABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// TransferIDHash is the fixed-width on-chain handle of an off-chain transfer id.
func TransferIDHash(transferID string) common.Hash {
	return crypto.Keccak256Hash([]byte(transferID))
}

// EmailHash is what the escrow stores instead of the plaintext address.
func EmailHash(email string) common.Hash {
	return crypto.Keccak256Hash([]byte(models.NormalizeEmail(email)))
}

func PackTransfer(to common.Address, units *big.Int) ([]byte, error) {
	return Stablecoin.Pack("transfer", to, units)
}

func PackApprove(spender common.Address, units *big.Int) ([]byte, error) {
	return Stablecoin.Pack("approve", spender, units)
}

func PackDeposit(transferID string, units *big.Int, recipientEmail string, timeoutDays int64) ([]byte, error) {
	return EmailEscrow.Pack("deposit", TransferIDHash(transferID), units, EmailHash(recipientEmail), big.NewInt(timeoutDays))
}

// PackRelease passes the plaintext email; the escrow hashes it and compares against the deposit.
func PackRelease(transferID, recipientEmail string, recipient common.Address) ([]byte, error) {
	return EmailEscrow.Pack("release", TransferIDHash(transferID), models.NormalizeEmail(recipientEmail), recipient)
}

func PackRefund(transferID string) ([]byte, error) {
	return EmailEscrow.Pack("refund", TransferIDHash(transferID))
}

// RevertReason names the revert carried by data: an escrow custom error by its
// name, or the message of a plain Error(string) revert.
func RevertReason(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	for name, e := range EmailEscrow.Errors {
		if bytes.Equal(data[:4], e.ID[:4]) {
			return name, true
		}
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}
	return "", false
}
