package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const personaAPIVersion = "2024-01-01"

// PersonaClient implements Provider against the Persona inquiries API.
type PersonaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPersonaClient creates a Persona-backed identity provider.
func NewPersonaClient(baseURL, apiKey string) *PersonaClient {
	return &PersonaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// personaEnvelope is the JSON:API document shape Persona responds with.
type personaEnvelope struct {
	Data struct {
		ID         string                 `json:"id"`
		Attributes map[string]interface{} `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (p *PersonaClient) CreateInquiry(ctx context.Context, referenceID, templateID string) (*Inquiry, error) {
	if templateID == "" {
		return nil, fmt.Errorf("identity: inquiry template ID is not configured")
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "inquiry",
			"attributes": map[string]string{
				"inquiry-template-id": templateID,
				"reference-id":        referenceID,
			},
		},
	}

	raw, env, err := p.do(ctx, http.MethodPost, "/inquiries", body)
	if err != nil {
		return nil, err
	}
	if env.Data.ID == "" {
		return nil, fmt.Errorf("identity: inquiry created but no inquiry ID returned")
	}
	return &Inquiry{ID: env.Data.ID, Raw: raw}, nil
}

func (p *PersonaClient) GetInquiry(ctx context.Context, inquiryID string) (*InquiryStatus, error) {
	raw, env, err := p.do(ctx, http.MethodGet, "/inquiries/"+inquiryID, nil)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
			return nil, ErrInquiryNotFound
		}
		return nil, err
	}

	st := &InquiryStatus{
		InquiryID:          env.Data.ID,
		Status:             attrString(env.Data.Attributes, "status"),
		VerificationStatus: attrString(env.Data.Attributes, "verification-status"),
		Level:              attrString(env.Data.Attributes, "verification-level"),
		FailureReason:      attrString(env.Data.Attributes, "failure-reason"),
		Raw:                raw,
	}
	return st, nil
}

func (p *PersonaClient) SubmitInquiry(ctx context.Context, inquiryID string) error {
	_, _, err := p.do(ctx, http.MethodPost, "/inquiries/"+inquiryID+"/submit", nil)
	return err
}

func (p *PersonaClient) AttachDocument(ctx context.Context, inquiryID, filename string, content []byte) error {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "document/generic-document",
			"attributes": map[string]interface{}{
				"inquiry-id": inquiryID,
				"files": []map[string]string{
					{
						"filename": filename,
						"data":     base64.StdEncoding.EncodeToString(content),
					},
				},
			},
		},
	}

	_, _, err := p.do(ctx, http.MethodPost, "/documents/generic-documents", body)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
			return ErrInquiryNotFound
		}
		return err
	}
	return nil
}

// do performs one provider call and decodes the JSON:API envelope.
// Non-2xx responses become *APIError with any provider detail extracted.
func (p *PersonaClient) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, *personaEnvelope, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Persona-Version", personaAPIVersion)
	req.Header.Set("Key-Inflection", "kebab")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, &APIError{StatusCode: 0, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, &APIError{StatusCode: 0, Detail: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Detail: extractDetail(raw)}
	}

	var env personaEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("identity: decode provider response: %w", err)
	}
	return raw, &env, nil
}

// extractDetail pulls a readable message out of a provider error body.
func extractDetail(raw []byte) string {
	var env personaEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Errors) > 0 {
		details := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			if e.Detail != "" {
				details = append(details, e.Detail)
			} else if e.Title != "" {
				details = append(details, e.Title)
			}
		}
		if len(details) > 0 {
			return strings.Join(details, "; ")
		}
	}
	detail := string(raw)
	if len(detail) > 500 {
		detail = detail[:500]
	}
	return detail
}

func attrString(attrs map[string]interface{}, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
