// Package api implements the HTTP surface of the user-management bot
// service: authenticated request plumbing plus the wire types it speaks.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"UserBot/internal/auth"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ServerError is a non-2xx response with a server-defined detail body.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server rejected request: status %d", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request: status %d: %s", e.StatusCode, e.Detail)
}

// Transport issues calls against the bot service with the persisted
// credential attached. It decides Unauthenticated; the navigation effect
// (back to the login surface) is the injected onUnauthenticated callback,
// fired at most once per failing call.
type Transport struct {
	baseURL           string
	httpClient        *http.Client
	tokens            auth.Store
	onUnauthenticated func()
	logger            *slog.Logger
	tracer            trace.Tracer
	meter             metric.Meter
}

// New creates a Transport. onUnauthenticated may be nil.
func New(baseURL string, client *http.Client, tokens auth.Store, onUnauthenticated func(), logger *slog.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Transport{
		baseURL:           baseURL,
		httpClient:        client,
		tokens:            tokens,
		onUnauthenticated: onUnauthenticated,
		logger:            logger,
		tracer:            otel.Tracer("userbot"),
		meter:             otel.Meter("userbot"),
	}
}

func (t *Transport) failUnauthenticated(reason string) error {
	if err := t.tokens.Clear(); err != nil {
		t.logger.Warn("failed to clear credential", "error", err)
	}
	t.logger.Info("authentication required", "reason", reason)
	if counter, err := t.meter.Int64Counter("auth.failures"); err == nil {
		counter.Add(context.Background(), 1)
	}
	if t.onUnauthenticated != nil {
		t.onUnauthenticated()
	}
	return auth.ErrUnauthenticated
}

// Do issues one authenticated call. The credential is checked for expiry
// before any network traffic; a 401 clears it regardless of the body.
// Every other response is returned unmodified for the caller to interpret.
func (t *Transport) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	ctx, span := t.tracer.Start(ctx, "authenticated_request")
	defer span.End()

	cred, ok, err := t.tokens.Get()
	if err != nil {
		t.logger.Warn("failed to read credential", "error", err)
		ok = false
	}
	if !ok {
		return nil, t.failUnauthenticated("no credential")
	}
	if cred.Expired() {
		return nil, t.failUnauthenticated("credential expired")
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(cred))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if histogram, herr := t.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	); herr == nil {
		histogram.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, t.failUnauthenticated("server revoked credential")
	}

	return resp, nil
}

// DoJSON issues an authenticated call and decodes a JSON reply. Non-2xx
// responses become a *ServerError carrying the server's detail field.
func (t *Transport) DoJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := t.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp ErrorResponse
		_ = json.Unmarshal(data, &errResp)
		return &ServerError{StatusCode: resp.StatusCode, Detail: errResp.Detail}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Login exchanges an email for a bearer credential and stores it. This is
// the one unauthenticated call in the protocol.
func (t *Transport) Login(ctx context.Context, email string) error {
	ctx, span := t.tracer.Start(ctx, "login")
	defer span.End()

	jsonData, err := json.Marshal(LoginRequest{Email: email})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth/login", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		_ = json.Unmarshal(data, &errResp)
		return &ServerError{StatusCode: resp.StatusCode, Detail: errResp.Detail}
	}

	var loginResp LoginResponse
	if err := json.Unmarshal(data, &loginResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if loginResp.AccessToken == "" {
		return fmt.Errorf("login response carried no access token")
	}

	if err := t.tokens.Set(auth.Credential(loginResp.AccessToken)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	t.logger.Info("logged in", "email", email)
	return nil
}
