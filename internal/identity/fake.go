package identity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/halcyonhq/backoffice/internal/idgen"
)

// FakeProvider is an in-memory identity provider for development mode and
// tests. Statuses can be primed per inquiry; calls are recorded.
type FakeProvider struct {
	mu sync.Mutex

	CreateErr error
	GetErr    error
	SubmitErr error

	Created   []string // inquiry IDs in creation order
	Submitted []string
	Documents map[string][]string // inquiry ID -> attached filenames
	statuses  map[string]*InquiryStatus
}

// NewFakeProvider creates a recording identity provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{statuses: make(map[string]*InquiryStatus)}
}

// SetStatus primes the status returned by GetInquiry for an inquiry.
func (f *FakeProvider) SetStatus(inquiryID string, st InquiryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.InquiryID = inquiryID
	f.statuses[inquiryID] = &st
}

func (f *FakeProvider) CreateInquiry(ctx context.Context, referenceID, templateID string) (*Inquiry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	id := idgen.WithPrefix("inq_")
	f.Created = append(f.Created, id)
	f.statuses[id] = &InquiryStatus{InquiryID: id, Status: "created"}
	raw, _ := json.Marshal(map[string]string{"id": id, "reference-id": referenceID, "template-id": templateID})
	return &Inquiry{ID: id, Raw: raw}, nil
}

func (f *FakeProvider) GetInquiry(ctx context.Context, inquiryID string) (*InquiryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetErr != nil {
		return nil, f.GetErr
	}
	st, ok := f.statuses[inquiryID]
	if !ok {
		return nil, ErrInquiryNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *FakeProvider) SubmitInquiry(ctx context.Context, inquiryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		return f.SubmitErr
	}
	if _, ok := f.statuses[inquiryID]; !ok {
		return ErrInquiryNotFound
	}
	f.Submitted = append(f.Submitted, inquiryID)
	return nil
}

func (f *FakeProvider) AttachDocument(ctx context.Context, inquiryID, filename string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.statuses[inquiryID]; !ok {
		return ErrInquiryNotFound
	}
	if f.Documents == nil {
		f.Documents = make(map[string][]string)
	}
	f.Documents[inquiryID] = append(f.Documents[inquiryID], filename)
	return nil
}
