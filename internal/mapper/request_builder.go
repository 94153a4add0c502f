package mapper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/Guizzs26/curral-sync/internal/models"
)

// propertyRe finds the farm id in legacy corral URLs such as /propriedade/12/curral/...
var propertyRe = regexp.MustCompile(`propriedade/(\d+)/`)

// Request is the wire form of one outbox delivery
type Request struct {
	Method string
	URL    string
	Body   []byte
}

// RequestBuilder turns outbox entries into HTTP requests against the remote API
type RequestBuilder struct {
	base *url.URL
}

func NewRequestBuilder(baseURL string) (*RequestBuilder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("API_BASE_URL inválida: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("API_BASE_URL precisa de esquema e host: %q", baseURL)
	}
	return &RequestBuilder{base: u}, nil
}

// Build resolves the entry against the base URL. Typed entries queued against a farm page are
// routed to that farm's bulk sincronizar endpoint, wrapped as {"type": kind, "dados": payload}.
func (b *RequestBuilder) Build(e models.OutboxEntry) (Request, error) {
	if e.URL == "" {
		return Request{}, fmt.Errorf("entrada %d sem url", e.ID)
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return Request{}, fmt.Errorf("entrada %d com payload inválido", e.ID)
	}

	if e.Kind != "" {
		if m := propertyRe.FindStringSubmatch(e.URL); m != nil && !isSincronizar(e.URL) {
			body, err := json.Marshal(struct {
				Type  string          `json:"type"`
				Dados json.RawMessage `json:"dados"`
			}{Type: e.Kind, Dados: payload})
			if err != nil {
				return Request{}, err
			}
			return Request{
				Method: http.MethodPost,
				URL:    b.resolve(fmt.Sprintf("/propriedade/%s/curral/api/sincronizar/", m[1])),
				Body:   body,
			}, nil
		}
	}

	method := strings.ToUpper(strings.TrimSpace(e.Method))
	if method == "" {
		method = http.MethodPost
	}
	return Request{Method: method, URL: b.resolve(e.URL), Body: payload}, nil
}

func (b *RequestBuilder) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.base.ResolveReference(u).String()
}

func isSincronizar(u string) bool {
	return strings.Contains(u, "/curral/api/sincronizar/")
}
