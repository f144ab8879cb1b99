package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/futurebazaar/sessionkit/store"
)

// maxResponseBytes bounds how much of an auth response is read.
const maxResponseBytes = 1 << 20

// Envelope is the response shape shared by every auth endpoint.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Succeeded reports whether the server marked the call successful.
func (e *Envelope) Succeeded() bool {
	return e != nil && e.Status == "success"
}

type loginData struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

type verifyData struct {
	User json.RawMessage `json:"user"`
}

// endpointResponse is the decoded outcome of one auth call.
type endpointResponse struct {
	StatusCode int
	Envelope   Envelope
}

func (r *endpointResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// message returns the server message or fallback.
func (r *endpointResponse) message(fallback string) string {
	if msg := strings.TrimSpace(r.Envelope.Message); msg != "" {
		return msg
	}
	return fallback
}

func (m *Manager) endpointURL(path string) string {
	return strings.TrimRight(m.cfg.Endpoints.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// post sends body as JSON to path and decodes the envelope. A nil body sends
// no payload. A transport or decode failure returns *NetworkError.
func (m *Manager) post(ctx context.Context, op, path, token string, body any) (*endpointResponse, error) {
	var payload io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpointURL(path), payload)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	out := &endpointResponse{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if out.ok() {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("empty response body (status %d)", resp.StatusCode)}
		}
		return out, nil
	}
	if err := json.Unmarshal(raw, &out.Envelope); err != nil {
		if !out.ok() {
			// error pages are not always JSON
			return out, nil
		}
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

// Transport returns a RoundTripper that attaches the session token to every
// request and clears the session when a response comes back 401. A nil base
// uses http.DefaultTransport.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authorizedTransport{manager: m, base: base}
}

type authorizedTransport struct {
	manager *Manager
	base    http.RoundTripper
}

func (t *authorizedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("Authorization") == "" {
		token, ok, err := t.manager.store.Get(ctx, store.KeyToken)
		if err == nil && ok && token != "" {
			req = req.Clone(ctx)
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		t.manager.handleUnauthorized(ctx, req)
	}
	return resp, nil
}

func (m *Manager) handleUnauthorized(ctx context.Context, req *http.Request) {
	m.metrics.Inc(MetricUnauthorizedResponse)
	gen := m.Generation()
	m.emitAudit(ctx, EventUnauthorizedResponse, false, "", gen, ErrAuth, map[string]string{
		"path": req.URL.Path,
	})
	m.logger.Warn("unauthorized response, clearing session",
		"path", req.URL.Path,
		"generation", gen,
	)
	if err := m.ClearAuth(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error("clear session after 401", "error", err)
	}
	if m.onUnauthorized != nil {
		m.onUnauthorized(ctx)
	}
}
