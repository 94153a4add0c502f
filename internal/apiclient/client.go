package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/Guizzs26/curral-sync/internal/mapper"
	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/Guizzs26/curral-sync/pkg/encoding"
)

const (
	CSRFCookie = "csrftoken"
	CSRFHeader = "X-CSRFToken"

	maxResponseBytes = 1 << 20
)

// ErrRejected marks a delivery the server answered but did not accept
var ErrRejected = errors.New("envio rejeitado pelo servidor")

type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Result is the server acknowledgement of an accepted delivery
type Result struct {
	StatusCode int
	ServerID   any
}

// reply covers the response shapes of the corral endpoints
type reply struct {
	Status  string          `json:"status"`
	Success *bool           `json:"success"`
	ID      any             `json:"id"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (r reply) ok() bool {
	if r.Status != "" {
		return r.Status == "ok"
	}
	return r.Success != nil && *r.Success
}

func (r reply) serverID() any {
	if r.ID != nil {
		return normalizeID(r.ID)
	}
	var nested struct {
		ID json.Number `json:"id"`
	}
	if len(r.Data) > 0 && json.Unmarshal(r.Data, &nested) == nil && nested.ID != "" {
		return normalizeID(nested.ID)
	}
	return nil
}

// normalizeID keeps integer ids integral so they are merged back as numbers
func normalizeID(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Client delivers outbox entries to the MONPEC API
type Client struct {
	http    *http.Client
	builder *mapper.RequestBuilder
	base    *url.URL
	logger  *slog.Logger
}

// New builds a client with its own cookie jar. A zero timeout leaves requests bounded only by ctx.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	builder, err := mapper.NewRequestBuilder(baseURL)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(baseURL)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		http:    &http.Client{Timeout: timeout, Jar: jar},
		builder: builder,
		base:    base,
		logger:  logger.With("component", "api_client"),
	}, nil
}

// RememberCookies stores session cookies seen on browser traffic so background deliveries
// authenticate as the same user.
func (c *Client) RememberCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	c.http.Jar.SetCookies(c.base, cookies)
}

func (c *Client) csrfToken(u *url.URL) string {
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == CSRFCookie {
			return ck.Value
		}
	}
	return ""
}

// Send performs one delivery. Success requires a 2xx status and an application-level ok.
func (c *Client) Send(ctx context.Context, e models.OutboxEntry) (Result, error) {
	wire, err := c.builder.Build(e)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, wire.Method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return Result{}, fmt.Errorf("erro ao montar requisição: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if e.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", e.CorrelationID)
	}
	if token := c.csrfToken(req.URL); token != "" {
		req.Header.Set(CSRFHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("falha de rede: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, fmt.Errorf("erro ao ler resposta: %w", err)
	}
	body := encoding.ToUTF8(resp.Header.Get("Content-Type"), raw)

	var r reply
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	parseErr := dec.Decode(&r)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := r.Message
		if msg == "" {
			msg = r.Error
		}
		return Result{StatusCode: resp.StatusCode}, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
	if parseErr != nil {
		return Result{StatusCode: resp.StatusCode}, &RejectedError{StatusCode: resp.StatusCode, Message: "resposta malformada"}
	}
	if !r.ok() {
		msg := r.Message
		if msg == "" {
			msg = r.Error
		}
		if msg == "" {
			msg = "status diferente de ok"
		}
		return Result{StatusCode: resp.StatusCode}, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}

	c.logger.Debug("Delivery accepted", "correlation_id", e.CorrelationID, "url", wire.URL, "status", resp.StatusCode)
	return Result{StatusCode: resp.StatusCode, ServerID: r.serverID()}, nil
}
