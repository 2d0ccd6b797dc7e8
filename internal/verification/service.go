package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/identity"
	"github.com/halcyonhq/backoffice/internal/idgen"
	"github.com/halcyonhq/backoffice/internal/logging"
	"github.com/halcyonhq/backoffice/internal/metrics"
	"github.com/halcyonhq/backoffice/internal/retry"
)

// eventRetention is how long processed webhook event ids are kept for
// redelivery dedup.
const eventRetention = 24 * time.Hour

// Update is a normalized provider status report. Pull syncs and webhook
// payloads both flatten into this shape before reconciliation.
type Update struct {
	Status             string
	VerificationStatus string
	Level              string
	FailureReason      string
	Raw                json.RawMessage
}

// Event is an inbound webhook notification.
type Event struct {
	ID        string
	Name      string
	InquiryID string
	Update    Update
}

// Service implements the verification reconciler.
type Service struct {
	store       Store
	accounts    accounts.Store
	provider    identity.Provider
	kycTemplate string
	kybTemplate string
	degraded    bool // development mode: provider failures are tolerated
	locks       sync.Map
}

// NewService creates a new verification service.
func NewService(store Store, accts accounts.Store, provider identity.Provider, kycTemplate, kybTemplate string) *Service {
	return &Service{
		store:       store,
		accounts:    accts,
		provider:    provider,
		kycTemplate: kycTemplate,
		kybTemplate: kybTemplate,
	}
}

// WithDegradedMode lets verification start without a provider inquiry
// when the provider is unreachable. Development only.
func (s *Service) WithDegradedMode(on bool) *Service {
	s.degraded = on
	return s
}

// lock returns a mutex for the given account ID. Webhook deliveries and
// user actions for the same account must not interleave.
func (s *Service) lock(accountID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Start creates (or restarts) the account's verification record and opens
// a provider inquiry. Individual accounts need a verified email first;
// corporate and trust accounts go through KYB.
func (s *Service) Start(ctx context.Context, accountID string) (*Verification, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	kind := KindKYC
	template := s.kycTemplate
	if acct.Type.RequiresKYB() {
		kind = KindKYB
		template = s.kybTemplate
	}
	if kind == KindKYC && !acct.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	v, err := s.store.GetByAccount(ctx, accountID)
	fresh := false
	switch {
	case err == nil:
		if v.Status == StatusApproved {
			return nil, ErrAlreadyApproved
		}
	case errors.Is(err, ErrVerificationNotFound):
		fresh = true
		v = &Verification{
			ID:        idgen.WithPrefix("kyc_"),
			AccountID: accountID,
			CreatedAt: now,
		}
	default:
		return nil, err
	}

	inq, perr := s.provider.CreateInquiry(ctx, accountID, template)
	if perr != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("identity", "create_inquiry").Inc()
		if !s.degraded {
			return nil, fmt.Errorf("%w: %v", ErrProvider, perr)
		}
		logging.L(ctx).Warn("starting verification without provider inquiry",
			"accountId", accountID, "error", perr)
	} else {
		v.InquiryID = inq.ID
		v.LastPayload = inq.Raw
	}

	v.Kind = kind
	v.Status = StatusInProgress
	v.RejectionReason = ""
	v.UpdatedAt = now

	if fresh {
		err = s.store.Create(ctx, v)
	} else {
		err = s.store.Update(ctx, v)
	}
	if err != nil {
		return nil, err
	}
	if err := s.accounts.SetVerified(ctx, accountID, false); err != nil {
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(string(kind), string(StatusInProgress)).Inc()
	logging.L(ctx).Info("verification started",
		"accountId", accountID, "kind", kind, "inquiryId", v.InquiryID)
	return v, nil
}

// Submit forwards the account's inquiry to the provider for review and
// moves the local record to pending_review.
func (s *Service) Submit(ctx context.Context, accountID string) (*Verification, error) {
	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if v.InquiryID == "" {
		return nil, ErrNoInquiry
	}

	if err := s.provider.SubmitInquiry(ctx, v.InquiryID); err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("identity", "submit_inquiry").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	v.Status = StatusPendingReview
	v.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, v); err != nil {
		return nil, err
	}
	if err := s.accounts.SetVerified(ctx, accountID, false); err != nil {
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(StatusPendingReview)).Inc()
	return v, nil
}

// UploadDocument forwards a supporting document to the account's open
// provider inquiry.
func (s *Service) UploadDocument(ctx context.Context, accountID, filename string, content []byte) error {
	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if v.InquiryID == "" {
		return ErrNoInquiry
	}
	if v.Status == StatusApproved {
		return ErrAlreadyApproved
	}

	if err := s.provider.AttachDocument(ctx, v.InquiryID, filename, content); err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("identity", "attach_document").Inc()
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}

	logging.L(ctx).Info("verification document attached",
		"accountId", accountID, "inquiryId", v.InquiryID, "filename", filename)
	return nil
}

// SyncStatus pulls the inquiry's current state from the provider and
// reconciles the local record. Transient provider errors are retried a
// few times; 4xx responses are not.
func (s *Service) SyncStatus(ctx context.Context, accountID string) (*Verification, error) {
	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if v.InquiryID == "" {
		return nil, ErrNoInquiry
	}

	var st *identity.InquiryStatus
	err = retry.Do(ctx, 3, 250*time.Millisecond, func() error {
		var err error
		st, err = s.provider.GetInquiry(ctx, v.InquiryID)
		if err == nil {
			return nil
		}
		var ae *identity.APIError
		if errors.As(err, &ae) && !ae.Retryable() {
			return retry.Permanent(err)
		}
		if errors.Is(err, identity.ErrInquiryNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("identity", "get_inquiry").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := s.applyUpdate(ctx, v, Update{
		Status:             st.Status,
		VerificationStatus: st.VerificationStatus,
		Level:              st.Level,
		FailureReason:      st.FailureReason,
		Raw:                st.Raw,
	}); err != nil {
		return nil, err
	}
	return v, nil
}

// Resubmit reopens a rejected verification with a brand-new provider
// inquiry.
func (s *Service) Resubmit(ctx context.Context, accountID string) (*Verification, error) {
	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusRejected {
		return nil, ErrNotRejected
	}

	template := s.kycTemplate
	if v.Kind == KindKYB {
		template = s.kybTemplate
	}
	inq, perr := s.provider.CreateInquiry(ctx, accountID, template)
	if perr != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("identity", "create_inquiry").Inc()
		if !s.degraded {
			return nil, fmt.Errorf("%w: %v", ErrProvider, perr)
		}
		logging.L(ctx).Warn("resubmitting verification without provider inquiry",
			"accountId", accountID, "error", perr)
	} else {
		v.InquiryID = inq.ID
		v.LastPayload = inq.Raw
	}

	v.Status = StatusInProgress
	v.RejectionReason = ""
	v.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, v); err != nil {
		return nil, err
	}
	if err := s.accounts.SetVerified(ctx, accountID, false); err != nil {
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(StatusInProgress)).Inc()
	logging.L(ctx).Info("verification resubmitted",
		"accountId", accountID, "inquiryId", v.InquiryID)
	return v, nil
}

// GetByAccount fetches an account's verification record.
func (s *Service) GetByAccount(ctx context.Context, accountID string) (*Verification, error) {
	return s.store.GetByAccount(ctx, accountID)
}

// AdminOverride manually approves or rejects a verification, bypassing
// the provider. Requires the override:kyc permission.
func (s *Service) AdminOverride(ctx context.Context, accountID, callerID string, req OverrideRequest) (*Verification, error) {
	caller, err := s.accounts.Get(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !authz.HasPermission(caller.Role, authz.PermOverrideKYC) {
		return nil, ErrUnauthorized
	}

	mu := s.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch strings.ToLower(req.Decision) {
	case "approve":
		v.Status = StatusApproved
		v.VerifiedAt = &now
		v.RejectionReason = ""
	case "reject":
		if strings.TrimSpace(req.Reason) == "" {
			return nil, ErrReasonRequired
		}
		v.Status = StatusRejected
		v.RejectionReason = strings.TrimSpace(req.Reason)
		v.VerifiedAt = nil
	default:
		return nil, fmt.Errorf("%w: decision must be approve or reject", ErrReasonRequired)
	}
	v.UpdatedAt = now

	if err := s.store.Update(ctx, v); err != nil {
		return nil, err
	}
	if err := s.accounts.SetVerified(ctx, accountID, v.Status == StatusApproved); err != nil {
		return nil, err
	}

	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(v.Status)).Inc()
	logging.L(ctx).Info("verification overridden",
		"accountId", accountID, "by", callerID, "decision", req.Decision)
	return v, nil
}

// HandleEvent processes an inbound provider webhook. It always answers
// with a soft acknowledgment: duplicates and unknown inquiries are
// ignored, never errored, so the provider stops redelivering.
func (s *Service) HandleEvent(ctx context.Context, ev Event) Ack {
	if ev.ID != "" {
		fresh, err := s.store.MarkEventProcessed(ctx, ev.ID, time.Now())
		if err != nil {
			logging.L(ctx).Error("webhook dedup check failed", "eventId", ev.ID, "error", err)
			metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
			return Ack{Status: "error", Message: "failed to process event"}
		}
		if !fresh {
			metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
			return Ack{Status: "ignored", Message: "duplicate event"}
		}
	}

	upd, ok := eventUpdate(ev)
	if !ok {
		logging.L(ctx).Info("ignoring unhandled webhook event", "event", ev.Name)
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		return Ack{Status: "ignored", Message: "unhandled event type"}
	}
	if ev.InquiryID == "" {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		return Ack{Status: "ignored", Message: "no inquiry id in payload"}
	}

	v, err := s.store.GetByInquiryID(ctx, ev.InquiryID)
	if err != nil {
		if errors.Is(err, ErrVerificationNotFound) {
			metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
			return Ack{Status: "ignored", Message: "unknown inquiry"}
		}
		logging.L(ctx).Error("webhook lookup failed", "inquiryId", ev.InquiryID, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return Ack{Status: "error", Message: "failed to process event"}
	}

	mu := s.lock(v.AccountID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; a sync may have just advanced the record.
	v, err = s.store.GetByInquiryID(ctx, ev.InquiryID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return Ack{Status: "error", Message: "failed to process event"}
	}

	if err := s.applyUpdate(ctx, v, upd); err != nil {
		logging.L(ctx).Error("webhook reconciliation failed", "inquiryId", ev.InquiryID, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return Ack{Status: "error", Message: "failed to process event"}
	}

	metrics.WebhookEventsTotal.WithLabelValues("success").Inc()
	return Ack{Status: "success"}
}

// eventUpdate maps webhook event names onto the same branches the pull
// sync feeds into reconcile.
func eventUpdate(ev Event) (Update, bool) {
	upd := ev.Update
	switch ev.Name {
	case "inquiry.completed":
		upd.Status = "completed"
	case "inquiry.failed":
		upd.Status = "failed"
	case "inquiry.requires-attention":
		upd.Status = "pending"
	case "inquiry.approved":
		upd.Status = "approved"
	default:
		return Update{}, false
	}
	return upd, true
}

// applyUpdate reconciles the record with a provider update, persists it,
// and recomputes the account's derived Verified flag. Callers must hold
// the account lock.
func (s *Service) applyUpdate(ctx context.Context, v *Verification, upd Update) error {
	s.reconcile(ctx, v, upd)
	v.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, v); err != nil {
		return err
	}
	return s.accounts.SetVerified(ctx, v.AccountID, v.Status == StatusApproved)
}

// reconcile applies the status-precedence policy. It is deliberately
// idempotent: applying the same update twice leaves the same status,
// verified_at, and rejection reason as applying it once.
func (s *Service) reconcile(ctx context.Context, v *Verification, upd Update) {
	// Level is sticky: only a non-empty incoming value overwrites it.
	if upd.Level != "" {
		v.Level = upd.Level
	}
	if len(upd.Raw) > 0 {
		v.LastPayload = upd.Raw
	}

	switch upd.Status {
	case "approved":
		s.approve(v)
	case "completed":
		switch upd.VerificationStatus {
		case "pending":
			s.transition(v, StatusPendingReview)
		case "failed":
			s.reject(v, upd.FailureReason)
		default:
			// Provider-approved or no sub-status reported: completed
			// defaults to approved.
			s.approve(v)
		}
	case "failed", "declined":
		s.reject(v, upd.FailureReason)
	case "pending":
		s.transition(v, StatusPendingReview)
	case "processing", "waiting":
		s.transition(v, StatusInProgress)
	case "expired":
		s.transition(v, StatusExpired)
	default:
		logging.L(ctx).Warn("unknown provider status, leaving record unchanged",
			"accountId", v.AccountID, "providerStatus", upd.Status)
	}
}

func (s *Service) approve(v *Verification) {
	if v.Status == StatusApproved {
		return // keep the original verified_at
	}
	now := time.Now()
	v.Status = StatusApproved
	v.VerifiedAt = &now
	v.RejectionReason = ""
	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(StatusApproved)).Inc()
}

func (s *Service) reject(v *Verification, reason string) {
	if v.Status == StatusRejected && v.RejectionReason == reason {
		return
	}
	v.Status = StatusRejected
	v.RejectionReason = reason
	v.VerifiedAt = nil
	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(StatusRejected)).Inc()
}

func (s *Service) transition(v *Verification, to Status) {
	if v.Status == to {
		return
	}
	v.Status = to
	metrics.VerificationsTotal.WithLabelValues(string(v.Kind), string(to)).Inc()
}

// KYBApproved reports whether the account has an approved business
// verification. Satisfies the marketplace's KYBChecker.
func (s *Service) KYBApproved(ctx context.Context, accountID string) (bool, error) {
	v, err := s.store.GetByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrVerificationNotFound) {
			return false, nil
		}
		return false, err
	}
	return v.Kind == KindKYB && v.Status == StatusApproved, nil
}

// SyncPending polls the provider for every record still awaiting a
// decision and prunes old webhook dedup entries. Called by the timer.
func (s *Service) SyncPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListPendingSync(ctx, limit)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, v := range pending {
		if _, err := s.SyncStatus(ctx, v.AccountID); err != nil {
			logging.L(ctx).Warn("pending verification sync failed",
				"accountId", v.AccountID, "inquiryId", v.InquiryID, "error", err)
			continue
		}
		synced++
	}

	if err := s.store.PruneEvents(ctx, time.Now().Add(-eventRetention)); err != nil {
		logging.L(ctx).Warn("webhook event prune failed", "error", err)
	}
	return synced, nil
}
