package resolver

import (
	"context"
	"testing"
	"time"

	"mailrails/internal/apperr"
	"mailrails/internal/models"
	"mailrails/internal/store"
)

const bobWallet = "0x00000000000000000000000000000000000b0b01"

func TestResolveFlipsAfterRegistration(t *testing.T) {
	st := store.NewMemoryStore()
	r := New(st, 0)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "Bob@Example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Exists || res.Direct() || res.Email != "bob@example.com" {
		t.Fatalf("unknown email should resolve to escrow, got %+v", res)
	}

	st.PutUser(models.User{ID: "user-bob", Email: "bob@example.com", CreatedAt: time.Now()})
	res, _ = r.Resolve(ctx, "bob@example.com")
	if !res.Exists || res.Direct() {
		t.Fatalf("user without wallet should resolve to escrow, got %+v", res)
	}

	st.PutUser(models.User{ID: "user-bob", Email: "bob@example.com", WalletAddress: bobWallet, CreatedAt: time.Now()})
	res, _ = r.Resolve(ctx, "bob@example.com")
	if !res.Direct() || res.WalletAddress == "" {
		t.Fatalf("registered wallet should resolve to direct, got %+v", res)
	}
}

func TestResolveRejectsMalformedEmail(t *testing.T) {
	r := New(store.NewMemoryStore(), 0)
	for _, email := range []string{"", "not-an-email", "Bob <bob@example.com>"} {
		_, err := r.Resolve(context.Background(), email)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("%q: expected validation error, got %v", email, err)
		}
	}
}

func TestResolveBatch(t *testing.T) {
	st := store.NewMemoryStore()
	st.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: bobWallet})
	r := New(st, 3)

	out, err := r.ResolveBatch(context.Background(), []string{"dave@example.com", "carol@example.com"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if out[0].Direct() || !out[1].Direct() {
		t.Fatalf("batch results out of order: %+v", out)
	}

	_, err = r.ResolveBatch(context.Background(), []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected batch limit error, got %v", err)
	}
	_, err = r.ResolveBatch(context.Background(), []string{"a@x.io", "broken"})
	if e, ok := apperr.As(err); !ok || e.Field != "emails[1]" {
		t.Fatalf("expected indexed field error, got %v", err)
	}
}
