package relayer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer owns the relayer private key. The key is loaded once and never leaves this type:
// it is not logged, formatted, or serialized.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewSigner(hexKey string, chainID *big.Int) (*Signer, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.New("parse relayer private key: invalid key material")
	}
	return newSignerFromKey(key, chainID), nil
}

func newSignerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

func (s *Signer) String() string { return "relayer(" + s.address.Hex() + ")" }

func (s *Signer) GoString() string { return s.String() }

func (s *Signer) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.address.Hex() + `"`), nil
}
