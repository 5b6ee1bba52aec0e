package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"mailrails/internal/contracts"
	"mailrails/internal/relayer"
)

type nodeRevert struct{ data string }

func (e nodeRevert) Error() string          { return "execution reverted" }
func (e nodeRevert) ErrorData() interface{} { return e.data }

func TestClassifyDecodesRevertData(t *testing.T) {
	cases := []struct {
		name string
		want error
	}{
		{"EmailHashMismatch", ErrEmailHashMismatch},
		{"AlreadyReleased", ErrAlreadyReleased},
		{"DepositNotFound", ErrDepositNotFound},
		{"NotExpired", ErrNotExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := contracts.EmailEscrow.Errors[tc.name].ID
			err := fmt.Errorf("%w: %w", relayer.ErrReverted, nodeRevert{data: hexutil.Encode(id[:4])})
			got := classify(err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if !errors.Is(got, relayer.ErrReverted) {
				t.Fatalf("revert sentinel lost: %v", got)
			}
		})
	}
}

func TestClassifyFallsBackToMessage(t *testing.T) {
	err := fmt.Errorf("%w: %w", relayer.ErrReverted, errors.New("execution reverted: NotExpired"))
	if got := classify(err); !errors.Is(got, ErrNotExpired) {
		t.Fatalf("expected not expired, got %v", got)
	}

	unknown := fmt.Errorf("%w: %w", relayer.ErrReverted, nodeRevert{data: "0x01020304"})
	got := classify(unknown)
	for _, sentinel := range []error{ErrEmailHashMismatch, ErrAlreadyReleased, ErrDepositNotFound, ErrNotExpired} {
		if errors.Is(got, sentinel) {
			t.Fatalf("unknown selector classified as %v", sentinel)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}
