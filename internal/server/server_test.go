package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mailrails/internal/amount"
	"mailrails/internal/apperr"
	"mailrails/internal/auth"
	"mailrails/internal/claim"
	"mailrails/internal/config"
	"mailrails/internal/contracts"
	"mailrails/internal/escrow"
	"mailrails/internal/hmacauth"
	"mailrails/internal/idempotency"
	"mailrails/internal/intent"
	"mailrails/internal/models"
	"mailrails/internal/relayer"
	"mailrails/internal/resolver"
	"mailrails/internal/store"
)

const (
	sessionSecret  = "test-session-secret"
	operatorSecret = "test-operator-secret"
	aliceWallet    = "0x00000000000000000000000000000000000a11ce"
	bobWallet      = "0x00000000000000000000000000000000000b0b01"
	carolWallet    = "0x00000000000000000000000000000000000ca201"
)

var (
	depositHash = "0x" + strings.Repeat("ab", 32)
	directHash  = "0x" + strings.Repeat("cd", 32)
)

type harness struct {
	t        *testing.T
	srv      *Server
	handler  http.Handler
	store    *storeMem
	chain    *escrow.FakeClient
	idem     *idempotency.MemoryStore
	sessions *auth.Verifier
}

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Deployment.ChainID = 84532
	cfg.Deployment.Decimals = amount.Decimals
	cfg.Deployment.Contracts.Stablecoin = "0x0000000000000000000000000000000000005dc0"
	cfg.Deployment.Contracts.EmailEscrow = "0x00000000000000000000000000000000000e5c20"
	cfg.Service.HMACClockSkew = time.Minute
	cfg.Service.IdempotencyWindow = time.Hour
	cfg.Auth.SessionSecret = sessionSecret
	cfg.Auth.InternalSecret = operatorSecret
	cfg.Limits = config.LimitsConfig{MinAmount: "0.01", MaxAmount: "1000000", ClaimWindow: models.DefaultClaimWindow, BatchResolveLimit: 10}
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newStoreMem()
	chain := escrow.NewFakeClient()
	idem := idempotency.NewMemoryStore()
	srv, err := NewServer(testConfig(), Deps{
		Store:       st,
		Chain:       chain,
		Idempotency: idem,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	st.PutUser(models.User{ID: "user-alice", Email: "alice@example.com", WalletAddress: aliceWallet})
	st.PutUser(models.User{ID: "user-bob", Email: "bob@example.com", WalletAddress: bobWallet})
	return &harness{
		t:        t,
		srv:      srv,
		handler:  srv.Handler(),
		store:    st,
		chain:    chain,
		idem:     idem,
		sessions: auth.NewVerifier(sessionSecret, ""),
	}
}

func (h *harness) token(userID, email string) string {
	h.t.Helper()
	tok, err := h.sessions.Issue(auth.Identity{UserID: userID, Email: email}, time.Hour)
	if err != nil {
		h.t.Fatalf("issue session: %v", err)
	}
	return tok
}

func (h *harness) alice() string { return h.token("user-alice", "alice@example.com") }

func (h *harness) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) operator(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	raw := []byte{}
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if err := hmacauth.SignRequest(req, operatorSecret, time.Now()); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (h *harness) ledgerFor(token string) []models.Transaction {
	h.t.Helper()
	rec := h.do(http.MethodGet, "/api/v1/transactions", token, nil)
	expectStatus(h.t, rec, http.StatusOK)
	return decode[models.TransactionPage](h.t, rec).Transactions
}

// escrowSend builds and confirms alice's escrow send of 25.00 to carol.
func (h *harness) escrowSend() intent.Intent {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), createTransferRequest{
		SenderAddress:  aliceWallet,
		RecipientEmail: "Carol@Example.com",
		Amount:         "25.00",
	})
	expectStatus(h.t, rec, http.StatusCreated)
	in := decode[intent.Intent](h.t, rec)

	rec = h.do(http.MethodPut, "/api/v1/transfers/"+in.TransferID+"/confirmation", h.alice(), confirmRequest{
		TxHash:       depositHash,
		TransferType: models.TransferEscrow,
	})
	expectStatus(h.t, rec, http.StatusOK)
	return in
}

func TestDirectSendEndToEnd(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/recipients?email=BOB@example.com", h.alice(), nil)
	expectStatus(t, rec, http.StatusOK)
	res := decode[resolver.Resolution](t, rec)
	if !res.Exists || res.TransferType != models.TransferDirect || res.WalletAddress == "" {
		t.Fatalf("expected direct resolution, got %+v", res)
	}

	rec = h.do(http.MethodPost, "/api/v1/transfers", h.alice(), createTransferRequest{
		SenderAddress:  aliceWallet,
		RecipientEmail: "bob@example.com",
		Amount:         "10.123456",
	})
	expectStatus(t, rec, http.StatusCreated)
	in := decode[intent.Intent](t, rec)
	if in.TransferType != models.TransferDirect || len(in.Calls) != 1 || in.AmountUnits != 10_123_456 {
		t.Fatalf("unexpected direct intent %+v", in)
	}
	if _, err := h.store.GetTransfer(context.Background(), in.TransferID); err == nil {
		t.Fatalf("direct intent must not be stored before confirmation")
	}

	rec = h.do(http.MethodPut, "/api/v1/transfers/"+in.TransferID+"/confirmation", h.alice(), confirmRequest{
		TxHash:         directHash,
		TransferType:   models.TransferDirect,
		RecipientEmail: "bob@example.com",
		Amount:         "10.123456",
	})
	expectStatus(t, rec, http.StatusOK)
	if tr := decode[models.Transfer](t, rec); tr.Status != models.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", tr.Status)
	}

	sent := h.ledgerFor(h.alice())
	received := h.ledgerFor(h.token("user-bob", "bob@example.com"))
	if len(sent) != 1 || sent[0].Type != models.TxSent || sent[0].Amount != "-10.123456" {
		t.Fatalf("unexpected sender ledger %+v", sent)
	}
	if len(received) != 1 || received[0].Type != models.TxReceived || received[0].TxHash != directHash {
		t.Fatalf("unexpected recipient ledger %+v", received)
	}
}

func TestEscrowSendAndClaimEndToEnd(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), createTransferRequest{
		SenderAddress:  aliceWallet,
		RecipientEmail: "carol@example.com",
		Amount:         "25.00",
	})
	expectStatus(t, rec, http.StatusCreated)
	in := decode[intent.Intent](t, rec)
	if in.TransferType != models.TransferEscrow || !in.RequiresApproval || len(in.Calls) != 2 {
		t.Fatalf("expected approve+deposit, got %+v", in)
	}
	if in.ExpiryDate == nil || in.EscrowAddress == "" {
		t.Fatalf("escrow intent missing expiry or escrow address: %+v", in)
	}

	rec = h.do(http.MethodGet, "/api/v1/transfers/active", h.alice(), nil)
	expectStatus(t, rec, http.StatusOK)
	active := decode[struct {
		Transfers []models.Transfer `json:"transfers"`
	}](t, rec).Transfers
	if len(active) != 1 || active[0].ID != in.TransferID || active[0].Status != models.StatusPending {
		t.Fatalf("expected one pending transfer, got %+v", active)
	}

	rec = h.do(http.MethodPut, "/api/v1/transfers/"+in.TransferID+"/confirmation", h.alice(), confirmRequest{
		TxHash:       depositHash,
		TransferType: models.TransferEscrow,
	})
	expectStatus(t, rec, http.StatusOK)

	// Carol registers after the send.
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})
	carol := h.token("user-carol", "carol@example.com")

	rec = h.do(http.MethodPost, "/api/v1/transfers/"+in.TransferID+"/claim", carol, claimRequest{UserID: "user-carol"})
	expectStatus(t, rec, http.StatusOK)
	out := decode[claim.Result](t, rec)
	if out.Status != models.StatusClaimed || out.TxHash == "" || out.Amount != amount.MustParse("25") {
		t.Fatalf("unexpected claim result %+v", out)
	}
	releases := h.chain.Releases()
	if len(releases) != 1 || releases[0].Recipient != common.HexToAddress(carolWallet) {
		t.Fatalf("expected one release to carol's wallet, got %+v", releases)
	}

	sent := h.ledgerFor(h.alice())
	if len(sent) != 1 || sent[0].Status != models.TxConfirmed || sent[0].TxHash != out.TxHash {
		t.Fatalf("sender row not flipped: %+v", sent)
	}
	received := h.ledgerFor(carol)
	if len(received) != 1 || received[0].Type != models.TxReceived || received[0].TxHash != out.TxHash {
		t.Fatalf("unexpected claimant ledger %+v", received)
	}

	rec = h.do(http.MethodGet, "/api/v1/recipients?email=carol@example.com", h.alice(), nil)
	if res := decode[resolver.Resolution](t, rec); res.TransferType != models.TransferDirect {
		t.Fatalf("registered recipient should now resolve direct, got %+v", res)
	}
}

func TestParallelClaimsReleaseOnce(t *testing.T) {
	h := newHarness(t)
	in := h.escrowSend()
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})
	h.chain.Latency = 20 * time.Millisecond
	carol := h.token("user-carol", "carol@example.com")

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := h.do(http.MethodPost, "/api/v1/transfers/"+in.TransferID+"/claim", carol, claimRequest{UserID: "user-carol"})
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for c := range codes {
		counts[c]++
	}
	if counts[http.StatusOK] != 1 || counts[http.StatusConflict] != n-1 {
		t.Fatalf("expected one success and %d conflicts, got %v", n-1, counts)
	}
	if len(h.chain.Releases()) != 1 {
		t.Fatalf("expected a single release, got %d", len(h.chain.Releases()))
	}
	if got := h.ledgerFor(carol); len(got) != 1 {
		t.Fatalf("expected one received row, got %d", len(got))
	}
}

func TestClaimRejections(t *testing.T) {
	h := newHarness(t)
	in := h.escrowSend()
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})

	cases := []struct {
		name   string
		token  string
		userID string
		id     string
		status int
		code   string
	}{
		{"no session", "", "user-carol", in.TransferID, http.StatusUnauthorized, "unauthenticated"},
		{"forged session", "not-a-jwt", "user-carol", in.TransferID, http.StatusUnauthorized, "unauthenticated"},
		{"other account id", h.token("user-carol", "carol@example.com"), "user-bob", in.TransferID, http.StatusForbidden, "identity_mismatch"},
		{"wrong recipient", h.token("user-bob", "bob@example.com"), "user-bob", in.TransferID, http.StatusForbidden, "recipient_mismatch"},
		{"unknown transfer", h.token("user-carol", "carol@example.com"), "user-carol", "missing", http.StatusNotFound, "transfer_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/v1/transfers/"+tc.id+"/claim", tc.token, claimRequest{UserID: tc.userID})
			expectStatus(t, rec, tc.status)
			if body := decode[errorResponse](t, rec); body.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, body)
			}
		})
	}
	if len(h.chain.Releases()) != 0 {
		t.Fatalf("rejected claims must not release")
	}
}

func TestClaimUpstreamFailuresAreGeneric(t *testing.T) {
	h := newHarness(t)
	in := h.escrowSend()
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})
	h.chain.ReleaseErr = relayer.ErrInsufficientGasFunds

	rec := h.do(http.MethodPost, "/api/v1/transfers/"+in.TransferID+"/claim", h.token("user-carol", "carol@example.com"), claimRequest{UserID: "user-carol"})
	expectStatus(t, rec, http.StatusBadGateway)
	body := decode[errorResponse](t, rec)
	if body.Code != apperr.CodeUpstream || strings.Contains(body.Error, "gas") {
		t.Fatalf("expected a generic upstream message, got %+v", body)
	}

	h.chain.ReleaseErr = relayer.ErrContractNotDeployed
	rec = h.do(http.MethodPost, "/api/v1/transfers/"+in.TransferID+"/claim", h.token("user-carol", "carol@example.com"), claimRequest{UserID: "user-carol"})
	expectStatus(t, rec, http.StatusBadGateway)
	if body := decode[errorResponse](t, rec); body.Code != apperr.CodeUpstream || strings.Contains(body.Error, "deployed") {
		t.Fatalf("expected a generic upstream message, got %+v", body)
	}

	rec = h.do(http.MethodGet, "/api/v1/metrics", "", nil)
	for _, code := range []string{apperr.CodeRelayerUnderfunded, apperr.CodeEscrowNotDeployed} {
		if !strings.Contains(rec.Body.String(), `mailrails_claims_total{code="`+code+`"} 1`) {
			t.Fatalf("metrics should keep the specific code %s", code)
		}
	}

	tr, err := h.store.GetTransfer(context.Background(), in.TransferID)
	if err != nil || tr.Status != models.StatusPending {
		t.Fatalf("reservation should be returned, got %+v %v", tr, err)
	}
}

func TestUnknownReleaseIsAcceptedThenReconciled(t *testing.T) {
	h := newHarness(t)
	in := h.escrowSend()
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})
	releaseHash := common.HexToHash("0x" + strings.Repeat("ee", 32))
	h.chain.ReleaseErr = &relayer.SubmitError{TxHash: releaseHash, Nonce: 3, Err: relayer.ErrSubmissionUnknown}
	h.chain.SetReceipt(releaseHash.Hex(), escrow.ReceiptPending)

	carol := h.token("user-carol", "carol@example.com")
	path := "/api/v1/transfers/" + in.TransferID + "/claim"
	rec := h.do(http.MethodPost, path, carol, claimRequest{UserID: "user-carol"}, headerIdempotencyKey, "claim-1")
	expectStatus(t, rec, http.StatusAccepted)
	body := decode[errorResponse](t, rec)
	if body.Status != "unknown" || body.TxHash != releaseHash.Hex() {
		t.Fatalf("expected unknown status with hash, got %+v", body)
	}

	// An unknown outcome is never cached, and the reservation blocks a second release.
	rec = h.do(http.MethodPost, path, carol, claimRequest{UserID: "user-carol"}, headerIdempotencyKey, "claim-1")
	expectStatus(t, rec, http.StatusConflict)

	rec = h.operator(http.MethodPost, "/api/v1/internal/transfers/"+in.TransferID+"/reconcile", nil)
	expectStatus(t, rec, http.StatusOK)
	if res := decode[claim.ReconcileResult](t, rec); res.Outcome != claim.OutcomeWaiting {
		t.Fatalf("expected waiting, got %+v", res)
	}

	h.chain.PutDeposit(in.TransferID, escrow.Deposit{State: contracts.DepositReleased})
	rec = h.operator(http.MethodPost, "/api/v1/internal/transfers/"+in.TransferID+"/reconcile", nil)
	expectStatus(t, rec, http.StatusOK)
	res := decode[claim.ReconcileResult](t, rec)
	if res.Outcome != claim.OutcomeClaimed || res.Transfer.Status != models.StatusClaimed || res.Transfer.ReleaseTxHash != releaseHash.Hex() {
		t.Fatalf("expected claim completed with recorded hash, got %+v", res)
	}

	rec = h.operator(http.MethodGet, "/api/v1/internal/transfers/"+in.TransferID+"/transactions", nil)
	expectStatus(t, rec, http.StatusOK)
	rows := decode[struct {
		Transactions []models.Transaction `json:"transactions"`
	}](t, rec).Transactions
	if len(rows) != 2 {
		t.Fatalf("expected sent and received rows, got %+v", rows)
	}
}

func TestExpireAndRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	tr := &models.Transfer{
		ID:             "expired-1",
		SenderUserID:   "user-alice",
		SenderEmail:    "alice@example.com",
		RecipientEmail: "dave@example.com",
		Amount:         amount.MustParse("5"),
		Type:           models.TransferEscrow,
		Status:         models.StatusPending,
		ExpiryDate:     &past,
		CreatedAt:      past.Add(-models.DefaultClaimWindow),
		UpdatedAt:      past.Add(-models.DefaultClaimWindow),
	}
	if err := h.store.CreateTransfer(ctx, tr); err != nil {
		t.Fatalf("create: %v", err)
	}
	sent := models.SentRow(tr, models.TxPending, depositHash, tr.CreatedAt)
	if err := h.store.RecordSent(ctx, &sent); err != nil {
		t.Fatalf("sent row: %v", err)
	}

	rec := h.operator(http.MethodPost, "/api/v1/internal/transfers/expire", expireRequest{Limit: 10})
	expectStatus(t, rec, http.StatusOK)
	if res := decode[claim.ExpireResult](t, rec); len(res.Expired) != 1 || res.Expired[0] != tr.ID {
		t.Fatalf("expected %s expired, got %+v", tr.ID, res)
	}

	rec = h.do(http.MethodPost, "/api/v1/transfers/"+tr.ID+"/claim", h.token("user-dave", "dave@example.com"), claimRequest{UserID: "user-dave"})
	expectStatus(t, rec, http.StatusGone)

	rec = h.operator(http.MethodPost, "/api/v1/internal/transfers/"+tr.ID+"/refund", nil)
	expectStatus(t, rec, http.StatusOK)
	if res := decode[claim.Result](t, rec); res.Status != models.StatusRefunded {
		t.Fatalf("expected refunded, got %+v", res)
	}

	rows := h.ledgerFor(h.alice())
	types := map[models.TransactionType]models.TransactionStatus{}
	for _, row := range rows {
		types[row.Type] = row.Status
	}
	if types[models.TxSent] != models.TxRefunded || types[models.TxRefund] != models.TxConfirmed {
		t.Fatalf("unexpected sender rows after refund: %+v", rows)
	}
}

func TestOperatorRoutesRequireSignature(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/internal/transfers/expire", "", nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	// A user session is not an operator credential.
	rec = h.do(http.MethodPost, "/api/v1/internal/transfers/expire", h.alice(), nil)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = h.operator(http.MethodPost, "/api/v1/internal/transfers/expire", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestCreateTransferIdempotency(t *testing.T) {
	h := newHarness(t)
	body := createTransferRequest{SenderAddress: aliceWallet, RecipientEmail: "carol@example.com", Amount: "3.50"}

	first := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), body, headerIdempotencyKey, "send-1")
	expectStatus(t, first, http.StatusCreated)
	second := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), body, headerIdempotencyKey, "send-1")
	expectStatus(t, second, http.StatusCreated)

	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	active, err := h.store.ListActiveEscrow(context.Background(), "user-alice")
	if err != nil || len(active) != 1 {
		t.Fatalf("expected a single stored transfer, got %d %v", len(active), err)
	}

	body.Amount = "4.00"
	rec := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), body, headerIdempotencyKey, "send-1")
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	// Keys are scoped per user.
	rec = h.do(http.MethodPost, "/api/v1/transfers", h.token("user-bob", "bob@example.com"), createTransferRequest{
		SenderAddress: bobWallet, RecipientEmail: "carol@example.com", Amount: "3.50",
	}, headerIdempotencyKey, "send-1")
	expectStatus(t, rec, http.StatusCreated)
	if rec.Header().Get("Idempotent-Replayed") != "" {
		t.Fatalf("another user's key must not replay")
	}
}

func TestCreateTransferKeyHeldWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	body := createTransferRequest{SenderAddress: aliceWallet, RecipientEmail: "carol@example.com", Amount: "3.50"}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Another request with the same key is mid-flight.
	scoped := idempotency.Key("user-alice", http.MethodPost, "/api/v1/transfers", "send-1")
	now := time.Now()
	existing, err := h.idem.Reserve(ctx, scoped, idempotency.Record{
		RequestHash: idempotency.Fingerprint(raw),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	})
	if err != nil || existing != nil {
		t.Fatalf("reserve: %+v %v", existing, err)
	}

	rec := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), body, headerIdempotencyKey, "send-1")
	expectStatus(t, rec, http.StatusConflict)
	if got := decode[errorResponse](t, rec); got.Code != "idempotency_in_progress" {
		t.Fatalf("expected in-progress code, got %+v", got)
	}
	if active, _ := h.store.ListActiveEscrow(ctx, "user-alice"); len(active) != 0 {
		t.Fatalf("a held key must not build a second transfer, got %d", len(active))
	}

	if err := h.idem.Release(ctx, scoped); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec = h.do(http.MethodPost, "/api/v1/transfers", h.alice(), body, headerIdempotencyKey, "send-1")
	expectStatus(t, rec, http.StatusCreated)
	if active, _ := h.store.ListActiveEscrow(ctx, "user-alice"); len(active) != 1 {
		t.Fatalf("expected one transfer after the key was released, got %d", len(active))
	}
}

func TestClaimFailureFreesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	in := h.escrowSend()
	h.store.PutUser(models.User{ID: "user-carol", Email: "carol@example.com", WalletAddress: carolWallet})
	carol := h.token("user-carol", "carol@example.com")
	path := "/api/v1/transfers/" + in.TransferID + "/claim"

	h.chain.ReleaseErr = relayer.ErrInsufficientGasFunds
	rec := h.do(http.MethodPost, path, carol, claimRequest{UserID: "user-carol"}, headerIdempotencyKey, "claim-1")
	expectStatus(t, rec, http.StatusBadGateway)

	h.chain.ReleaseErr = nil
	rec = h.do(http.MethodPost, path, carol, claimRequest{UserID: "user-carol"}, headerIdempotencyKey, "claim-1")
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Idempotent-Replayed") != "" {
		t.Fatalf("a failed attempt must not be replayed")
	}
}

func TestCreateTransferValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name  string
		body  any
		field string
	}{
		{"seven decimals", createTransferRequest{SenderAddress: aliceWallet, RecipientEmail: "carol@example.com", Amount: "10.1234567"}, "amount"},
		{"above max", createTransferRequest{SenderAddress: aliceWallet, RecipientEmail: "carol@example.com", Amount: "1000000.01"}, "amount"},
		{"bad email", createTransferRequest{SenderAddress: aliceWallet, RecipientEmail: "carol@", Amount: "1"}, "recipientEmail"},
		{"bad address", createTransferRequest{SenderAddress: "0x123", RecipientEmail: "carol@example.com", Amount: "1"}, "senderAddress"},
		{"unknown field", map[string]string{"senderAddress": aliceWallet, "to": "carol@example.com"}, "to"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/v1/transfers", h.alice(), tc.body)
			expectStatus(t, rec, http.StatusBadRequest)
			if body := decode[errorResponse](t, rec); body.Field != tc.field {
				t.Fatalf("expected field %s, got %+v", tc.field, body)
			}
		})
	}
	active, _ := h.store.ListActiveEscrow(context.Background(), "user-alice")
	if len(active) != 0 {
		t.Fatalf("rejected sends must not be stored")
	}
}

func TestSessionRequired(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/v1/transactions", "/api/v1/transfers/active", "/api/v1/recipients?email=bob@example.com"} {
		rec := h.do(http.MethodGet, path, "", nil)
		expectStatus(t, rec, http.StatusUnauthorized)
	}
	expired, _ := auth.NewVerifier(sessionSecret, "").Issue(auth.Identity{UserID: "user-alice", Email: "alice@example.com"}, -time.Minute)
	rec := h.do(http.MethodGet, "/api/v1/transactions", expired, nil)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestBatchResolve(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/recipients/batch", h.alice(), batchResolveRequest{
		Emails: []string{"bob@example.com", "nobody@example.com"},
	})
	expectStatus(t, rec, http.StatusOK)
	results := decode[struct {
		Results []resolver.Resolution `json:"results"`
	}](t, rec).Results
	if len(results) != 2 || results[0].TransferType != models.TransferDirect || results[1].TransferType != models.TransferEscrow {
		t.Fatalf("unexpected batch %+v", results)
	}

	emails := make([]string, 11)
	for i := range emails {
		emails[i] = "user@example.com"
	}
	rec = h.do(http.MethodPost, "/api/v1/recipients/batch", h.alice(), batchResolveRequest{Emails: emails})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	health := decode[struct {
		Status   string           `json:"status"`
		RPC      dependencyHealth `json:"rpc"`
		Database dependencyHealth `json:"database"`
	}](t, rec)
	if health.Status != "healthy" || !health.RPC.Connected || !health.Database.Connected {
		t.Fatalf("unexpected health %+v", health)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected a request id")
	}

	rec = h.do(http.MethodGet, "/api/v1/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "mailrails_http_request_seconds") {
		t.Fatalf("expected request latency metric in:\n%s", rec.Body.String())
	}
}

func TestHealthDegradedWhenDatabaseDown(t *testing.T) {
	h := newHarness(t)
	h.store.pingErr = context.DeadlineExceeded

	rec := h.do(http.MethodGet, "/api/v1/health", "", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)
}

type storeMem struct {
	*store.MemoryStore
	pingErr error
}

func newStoreMem() *storeMem {
	return &storeMem{MemoryStore: store.NewMemoryStore()}
}

func (s *storeMem) Ping(ctx context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	return s.MemoryStore.Ping(ctx)
}
