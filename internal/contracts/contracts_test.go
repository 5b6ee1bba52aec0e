package contracts

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEmailHashIsCaseInsensitive(t *testing.T) {
	a := EmailHash("Bob@Example.com ")
	b := EmailHash("bob@example.com")
	if a != b {
		t.Fatalf("expected equal hashes")
	}
	want := crypto.Keccak256Hash([]byte("bob@example.com"))
	if a != want {
		t.Fatalf("unexpected hash %s", a.Hex())
	}
}

func TestPackDepositNeverCarriesPlaintextEmail(t *testing.T) {
	data, err := PackDeposit("tr-1", big.NewInt(25_000_000), "bob@example.com", 7)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if bytes.Contains(data, []byte("bob@example.com")) {
		t.Fatalf("deposit call data contains plaintext email")
	}
	if !bytes.Equal(data[:4], EmailEscrow.Methods["deposit"].ID) {
		t.Fatalf("unexpected selector")
	}

	args, err := EmailEscrow.Methods["deposit"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if id := args[0].([32]byte); common.Hash(id) != TransferIDHash("tr-1") {
		t.Fatalf("unexpected transfer id hash")
	}
	if units := args[1].(*big.Int); units.Int64() != 25_000_000 {
		t.Fatalf("unexpected amount %s", units)
	}
	if h := args[2].([32]byte); common.Hash(h) != EmailHash("bob@example.com") {
		t.Fatalf("unexpected email hash")
	}
	if days := args[3].(*big.Int); days.Int64() != 7 {
		t.Fatalf("unexpected timeout %s", days)
	}
}

func TestPackRelease(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	data, err := PackRelease("tr-1", "Bob@Example.com", recipient)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	args, err := EmailEscrow.Methods["release"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].(string) != "bob@example.com" {
		t.Fatalf("expected normalized email, got %v", args[1])
	}
	if args[2].(common.Address) != recipient {
		t.Fatalf("unexpected recipient")
	}
}

func TestRevertReasonDecodesCustomErrors(t *testing.T) {
	for _, name := range []string{"EmailHashMismatch", "AlreadyReleased", "DepositNotFound", "NotExpired"} {
		e, ok := EmailEscrow.Errors[name]
		if !ok {
			t.Fatalf("escrow abi lacks error %s", name)
		}
		got, ok := RevertReason(e.ID[:4])
		if !ok || got != name {
			t.Fatalf("decode %s: got %q ok=%v", name, got, ok)
		}
	}
	want := crypto.Keccak256([]byte("EmailHashMismatch()"))[:4]
	if got, _ := RevertReason(want); got != "EmailHashMismatch" {
		t.Fatalf("selector mismatch: %q", got)
	}
}

func TestRevertReasonDecodesErrorString(t *testing.T) {
	str, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := abi.Arguments{{Type: str}}.Pack("deposit expired")
	if err != nil {
		t.Fatal(err)
	}
	data := append(common.FromHex("0x08c379a0"), packed...)
	got, ok := RevertReason(data)
	if !ok || got != "deposit expired" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := RevertReason([]byte{0x01, 0x02, 0x03, 0x04}); ok {
		t.Fatalf("unknown selector decoded")
	}
	if _, ok := RevertReason(nil); ok {
		t.Fatalf("empty data decoded")
	}
}
