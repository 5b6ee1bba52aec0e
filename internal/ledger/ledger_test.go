package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mailrails/internal/amount"
	"mailrails/internal/apperr"
	"mailrails/internal/models"
	"mailrails/internal/store"
)

func seed(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		tr := &models.Transfer{
			ID:             fmt.Sprintf("tr-%02d", i),
			SenderUserID:   "user-alice",
			SenderEmail:    "alice@example.com",
			RecipientEmail: fmt.Sprintf("friend%02d@example.com", i),
			Amount:         amount.MustParse("1.00"),
			Type:           models.TransferEscrow,
		}
		row := models.SentRow(tr, models.TxPending, "", base.Add(time.Duration(i)*time.Minute))
		if err := st.RecordSent(context.Background(), &row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return st
}

func TestListDefaultsAndPaging(t *testing.T) {
	svc := NewService(seed(t, 25))

	page, err := svc.List(context.Background(), "Alice@Example.com", Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Transactions) != DefaultLimit || !page.HasMore {
		t.Fatalf("expected default page with more, got %d hasMore=%v", len(page.Transactions), page.HasMore)
	}
	if page.Transactions[0].TransferID != "tr-24" {
		t.Fatalf("expected newest first, got %s", page.Transactions[0].TransferID)
	}

	page, _ = svc.List(context.Background(), "alice@example.com", Query{Offset: 20, Limit: 10})
	if len(page.Transactions) != 5 || page.HasMore {
		t.Fatalf("expected final page of 5, got %d hasMore=%v", len(page.Transactions), page.HasMore)
	}

	page, _ = svc.List(context.Background(), "alice@example.com", Query{Search: "FRIEND07"})
	if len(page.Transactions) != 1 || page.Transactions[0].TransferID != "tr-07" {
		t.Fatalf("search should match counterparty case-insensitively, got %+v", page.Transactions)
	}

	page, _ = svc.List(context.Background(), "nobody@example.com", Query{})
	if page.Transactions == nil || len(page.Transactions) != 0 {
		t.Fatalf("expected empty non-nil page")
	}
}

func TestListValidation(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	cases := []struct {
		q     Query
		field string
	}{
		{Query{Type: "withdrawal"}, "type"},
		{Query{Status: "done"}, "status"},
		{Query{Offset: -1}, "offset"},
		{Query{Limit: -5}, "limit"},
	}
	for _, tc := range cases {
		_, err := svc.List(context.Background(), "alice@example.com", tc.q)
		if e, ok := apperr.As(err); !ok || e.Field != tc.field {
			t.Fatalf("%+v: expected %s error, got %v", tc.q, tc.field, err)
		}
	}
	if _, err := svc.List(context.Background(), "", Query{}); apperr.KindOf(err) != apperr.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}
