package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/identity"
	"github.com/halcyonhq/backoffice/internal/plans"
)

type fixture struct {
	service  *Service
	store    *MemoryStore
	accounts *accounts.MemoryStore
	provider *identity.FakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    NewMemoryStore(),
		accounts: accounts.NewMemoryStore(),
		provider: identity.NewFakeProvider(),
	}
	f.service = NewService(f.store, f.accounts, f.provider, "itmpl_kyc", "itmpl_kyb")

	ctx := context.Background()
	seed := []*accounts.Account{
		{ID: "alice", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter, EmailVerified: true},
		{ID: "noemail", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter},
		{ID: "corp", Type: accounts.TypeCorporate, Role: authz.RoleMember, Plan: plans.PlanGrowth, EmailVerified: true},
		{ID: "admin", Type: accounts.TypeIndividual, Role: authz.RoleAdmin, Plan: plans.PlanEnterprise, EmailVerified: true},
	}
	for _, a := range seed {
		if err := f.accounts.Create(ctx, a); err != nil {
			t.Fatalf("seed account %s: %v", a.ID, err)
		}
	}
	return f
}

func (f *fixture) verified(t *testing.T, accountID string) bool {
	t.Helper()
	a, err := f.accounts.Get(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account %s: %v", accountID, err)
	}
	return a.Verified
}

func TestStartVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if v.Kind != KindKYC {
		t.Errorf("kind = %s, want kyc", v.Kind)
	}
	if v.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", v.Status)
	}
	if v.InquiryID == "" {
		t.Error("start should open a provider inquiry")
	}
	if f.verified(t, "alice") {
		t.Error("account must not be verified while in progress")
	}

	if _, err := f.service.Start(ctx, "noemail"); !errors.Is(err, ErrEmailNotVerified) {
		t.Errorf("start without email: err = %v, want ErrEmailNotVerified", err)
	}

	corp, err := f.service.Start(ctx, "corp")
	if err != nil {
		t.Fatalf("start corp: %v", err)
	}
	if corp.Kind != KindKYB {
		t.Errorf("corporate kind = %s, want kyb", corp.Kind)
	}
}

func TestStartAlreadyApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})
	if _, err := f.service.SyncStatus(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.Start(ctx, "alice"); !errors.Is(err, ErrAlreadyApproved) {
		t.Errorf("restart approved: err = %v, want ErrAlreadyApproved", err)
	}
}

func TestStartProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.CreateErr = &identity.APIError{StatusCode: 503, Detail: "maintenance"}
	if _, err := f.service.Start(ctx, "alice"); !errors.Is(err, ErrProvider) {
		t.Errorf("production mode: err = %v, want ErrProvider", err)
	}

	// Degraded mode proceeds without a provider-linked inquiry.
	f.service.WithDegradedMode(true)
	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("degraded start: %v", err)
	}
	if v.InquiryID != "" {
		t.Errorf("inquiry id = %q, want empty in degraded mode", v.InquiryID)
	}
	if v.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", v.Status)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	submitted, err := f.service.Submit(ctx, "alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != StatusPendingReview {
		t.Errorf("status = %s, want pending_review", submitted.Status)
	}
	if len(f.provider.Submitted) != 1 || f.provider.Submitted[0] != v.InquiryID {
		t.Errorf("provider submissions = %v, want [%s]", f.provider.Submitted, v.InquiryID)
	}
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.service.UploadDocument(ctx, "alice", "passport.pdf", []byte("scan")); !errors.Is(err, ErrVerificationNotFound) {
		t.Fatalf("upload before start: err = %v, want ErrVerificationNotFound", err)
	}

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.service.UploadDocument(ctx, "alice", "passport.pdf", []byte("scan")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	docs := f.provider.Documents[v.InquiryID]
	if len(docs) != 1 || docs[0] != "passport.pdf" {
		t.Errorf("provider documents = %v, want [passport.pdf]", docs)
	}

	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})
	if _, err := f.service.SyncStatus(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.service.UploadDocument(ctx, "alice", "utility-bill.pdf", []byte("scan")); !errors.Is(err, ErrAlreadyApproved) {
		t.Errorf("upload after approval: err = %v, want ErrAlreadyApproved", err)
	}
}

func TestSyncStatusMapping(t *testing.T) {
	tests := []struct {
		name         string
		provider     identity.InquiryStatus
		wantStatus   Status
		wantVerified bool
		wantReason   string
	}{
		{"approved", identity.InquiryStatus{Status: "approved"}, StatusApproved, true, ""},
		{"completed approved", identity.InquiryStatus{Status: "completed", VerificationStatus: "approved"}, StatusApproved, true, ""},
		{"completed pending", identity.InquiryStatus{Status: "completed", VerificationStatus: "pending"}, StatusPendingReview, false, ""},
		{"completed failed", identity.InquiryStatus{Status: "completed", VerificationStatus: "failed", FailureReason: "document mismatch"}, StatusRejected, false, "document mismatch"},
		{"completed no substatus", identity.InquiryStatus{Status: "completed"}, StatusApproved, true, ""},
		{"failed", identity.InquiryStatus{Status: "failed", FailureReason: "fraud signal"}, StatusRejected, false, "fraud signal"},
		{"pending", identity.InquiryStatus{Status: "pending"}, StatusPendingReview, false, ""},
		{"processing", identity.InquiryStatus{Status: "processing"}, StatusInProgress, false, ""},
		{"waiting", identity.InquiryStatus{Status: "waiting"}, StatusInProgress, false, ""},
		{"unknown leaves state", identity.InquiryStatus{Status: "transmogrified"}, StatusInProgress, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			v, err := f.service.Start(ctx, "alice")
			if err != nil {
				t.Fatal(err)
			}
			f.provider.SetStatus(v.InquiryID, tt.provider)

			got, err := f.service.SyncStatus(ctx, "alice")
			if err != nil {
				t.Fatalf("sync: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.RejectionReason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.RejectionReason, tt.wantReason)
			}
			if f.verified(t, "alice") != tt.wantVerified {
				t.Errorf("account verified = %v, want %v", !tt.wantVerified, tt.wantVerified)
			}
			if tt.wantStatus == StatusApproved && got.VerifiedAt == nil {
				t.Error("approval should set verified_at")
			}
		})
	}
}

func TestSyncIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})

	first, err := f.service.SyncStatus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := f.service.SyncStatus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if !first.VerifiedAt.Equal(*second.VerifiedAt) {
		t.Errorf("verified_at drifted on re-sync: %v vs %v", first.VerifiedAt, second.VerifiedAt)
	}
	if second.Status != StatusApproved || !f.verified(t, "alice") {
		t.Error("re-sync should leave the approved state intact")
	}
}

func TestLevelSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "pending", Level: "enhanced"})
	if _, err := f.service.SyncStatus(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// A later payload without a level must not clear it.
	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})
	got, err := f.service.SyncStatus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Level != "enhanced" {
		t.Errorf("level = %q, want sticky %q", got.Level, "enhanced")
	}
}

func TestCorporateLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "corp")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if v.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", v.Status)
	}

	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "completed", VerificationStatus: "pending"})
	got, err := f.service.SyncStatus(ctx, "corp")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPendingReview || f.verified(t, "corp") {
		t.Error("completed/pending should leave the account in review, unverified")
	}

	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})
	got, err = f.service.SyncStatus(ctx, "corp")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved || got.VerifiedAt == nil || !f.verified(t, "corp") {
		t.Error("approval should set status, verified_at, and the account flag")
	}

	ok, err := f.service.KYBApproved(ctx, "corp")
	if err != nil || !ok {
		t.Errorf("KYBApproved = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestKYBApprovedForUnknownAccount(t *testing.T) {
	f := newFixture(t)

	ok, err := f.service.KYBApproved(context.Background(), "corp")
	if err != nil || ok {
		t.Errorf("KYBApproved with no record = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.Resubmit(ctx, "alice"); !errors.Is(err, ErrNotRejected) {
		t.Errorf("resubmit while in progress: err = %v, want ErrNotRejected", err)
	}

	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "failed", FailureReason: "blurry document"})
	if _, err := f.service.SyncStatus(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	resubmitted, err := f.service.Resubmit(ctx, "alice")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", resubmitted.Status)
	}
	if resubmitted.RejectionReason != "" {
		t.Errorf("rejection reason = %q, want cleared", resubmitted.RejectionReason)
	}
	if resubmitted.InquiryID == v.InquiryID {
		t.Error("resubmit should open a brand-new inquiry")
	}
	if f.verified(t, "alice") {
		t.Error("resubmitted account must not be verified")
	}
}

func TestStaleInquiryEventAfterResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "failed", FailureReason: "blurry document"})
	if _, err := f.service.SyncStatus(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	resubmitted, err := f.service.Resubmit(ctx, "alice")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	// A late redelivery for the abandoned inquiry must not resolve to
	// the fresh record and re-apply the old rejection.
	ack := f.service.HandleEvent(ctx, Event{
		ID: "evt_stale", Name: "inquiry.failed", InquiryID: v.InquiryID,
		Update: Update{FailureReason: "blurry document"},
	})
	if ack.Status != "ignored" {
		t.Errorf("stale inquiry ack = %s, want ignored", ack.Status)
	}

	got, err := f.store.GetByAccount(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.RejectionReason != "" {
		t.Errorf("rejection reason = %q, want empty", got.RejectionReason)
	}
	if got.InquiryID != resubmitted.InquiryID {
		t.Errorf("inquiry = %s, want %s", got.InquiryID, resubmitted.InquiryID)
	}
}

func TestAdminOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.AdminOverride(ctx, "alice", "corp", OverrideRequest{Decision: "approve"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("override by member: err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.service.AdminOverride(ctx, "alice", "admin", OverrideRequest{Decision: "reject"}); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("reject without reason: err = %v, want ErrReasonRequired", err)
	}

	v, err := f.service.AdminOverride(ctx, "alice", "admin", OverrideRequest{Decision: "approve"})
	if err != nil {
		t.Fatalf("override approve: %v", err)
	}
	if v.Status != StatusApproved || v.VerifiedAt == nil || !f.verified(t, "alice") {
		t.Error("manual approval should behave like a provider approval")
	}

	v, err = f.service.AdminOverride(ctx, "alice", "admin", OverrideRequest{Decision: "reject", Reason: "compliance hold"})
	if err != nil {
		t.Fatalf("override reject: %v", err)
	}
	if v.Status != StatusRejected || v.RejectionReason != "compliance hold" || f.verified(t, "alice") {
		t.Error("manual rejection should set the reason and clear the flag")
	}
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	ack := f.service.HandleEvent(ctx, Event{ID: "evt_1", Name: "inquiry.completed", InquiryID: "inq_unknown"})
	if ack.Status != "ignored" {
		t.Errorf("unknown inquiry ack = %s, want ignored", ack.Status)
	}

	ack = f.service.HandleEvent(ctx, Event{
		ID: "evt_2", Name: "inquiry.completed", InquiryID: v.InquiryID,
		Update: Update{VerificationStatus: "failed", FailureReason: "document mismatch"},
	})
	if ack.Status != "success" {
		t.Fatalf("ack = %+v, want success", ack)
	}
	got, _ := f.store.GetByAccount(ctx, "alice")
	if got.Status != StatusRejected || got.RejectionReason != "document mismatch" {
		t.Errorf("record = %s/%q, want rejected/document mismatch", got.Status, got.RejectionReason)
	}

	// Redelivery of the same event id is deduplicated.
	ack = f.service.HandleEvent(ctx, Event{
		ID: "evt_2", Name: "inquiry.completed", InquiryID: v.InquiryID,
		Update: Update{VerificationStatus: "approved"},
	})
	if ack.Status != "ignored" {
		t.Errorf("duplicate event ack = %s, want ignored", ack.Status)
	}
	got, _ = f.store.GetByAccount(ctx, "alice")
	if got.Status != StatusRejected {
		t.Errorf("duplicate event mutated the record: status = %s", got.Status)
	}

	ack = f.service.HandleEvent(ctx, Event{ID: "evt_3", Name: "inquiry.requires-attention", InquiryID: v.InquiryID})
	if ack.Status != "success" {
		t.Fatalf("ack = %+v, want success", ack)
	}
	got, _ = f.store.GetByAccount(ctx, "alice")
	if got.Status != StatusPendingReview {
		t.Errorf("requires-attention: status = %s, want pending_review", got.Status)
	}

	ack = f.service.HandleEvent(ctx, Event{ID: "evt_4", Name: "inquiry.transitioned", InquiryID: v.InquiryID})
	if ack.Status != "ignored" {
		t.Errorf("unhandled event ack = %s, want ignored", ack.Status)
	}
}

func TestWebhookEndpointSoftAcks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.service, "") // no signature in tests

	router := gin.New()
	handler.RegisterWebhookRoutes(router.Group("/v1"))

	// Malformed JSON must be soft-acknowledged with 200, never a 5xx.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/identity", bytes.NewBufferString("{not json"))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("malformed payload status = %d, want 200", w.Code)
	}
	var ack Ack
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != "error" {
		t.Errorf("malformed payload ack = %s, want error", ack.Status)
	}

	// Well-formed payload for an unknown inquiry is ignored, still 200.
	body := `{"data":{"id":"evt_9","attributes":{"name":"inquiry.completed","payload":{"data":{"id":"inq_nope","attributes":{}}}}}}`
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/identity", bytes.NewBufferString(body))
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("unknown inquiry status = %d, want 200", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != "ignored" {
		t.Errorf("unknown inquiry ack = %s, want ignored", ack.Status)
	}
}

func TestSyncPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.service.Start(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	f.provider.SetStatus(v.InquiryID, identity.InquiryStatus{Status: "approved"})

	synced, err := f.service.SyncPending(ctx, 100)
	if err != nil {
		t.Fatalf("sync pending: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1", synced)
	}
	if !f.verified(t, "alice") {
		t.Error("poll sweep should have approved the account")
	}

	// Approved records drop out of the sweep.
	synced, err = f.service.SyncPending(ctx, 100)
	if err != nil || synced != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", synced, err)
	}
}
