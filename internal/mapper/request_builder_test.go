package mapper

import (
	"encoding/json"
	"testing"

	"github.com/Guizzs26/curral-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	b, err := NewRequestBuilder("https://monpec.example.com")
	require.NoError(t, err)

	tests := []struct {
		name       string
		entry      models.OutboxEntry
		wantMethod string
		wantURL    string
		wantBody   string
	}{
		{
			name:       "domain endpoint",
			entry:      models.OutboxEntry{Kind: "pesagem", URL: "/api/curral/pesagem/", Payload: json.RawMessage(`{"animal_id":42,"peso":310.5}`)},
			wantMethod: "POST",
			wantURL:    "https://monpec.example.com/api/curral/pesagem/",
			wantBody:   `{"animal_id":42,"peso":310.5}`,
		},
		{
			name:       "farm page rewritten to sincronizar",
			entry:      models.OutboxEntry{Kind: "sanidade", URL: "/propriedade/17/curral/tela/", Payload: json.RawMessage(`{"animal_id":3}`)},
			wantMethod: "POST",
			wantURL:    "https://monpec.example.com/propriedade/17/curral/api/sincronizar/",
			wantBody:   `{"type":"sanidade","dados":{"animal_id":3}}`,
		},
		{
			name:       "untyped farm url kept",
			entry:      models.OutboxEntry{URL: "/propriedade/17/curral/api/animal/", Method: "put", Payload: json.RawMessage(`{"id":1}`)},
			wantMethod: "PUT",
			wantURL:    "https://monpec.example.com/propriedade/17/curral/api/animal/",
			wantBody:   `{"id":1}`,
		},
		{
			name:       "sincronizar url not wrapped twice",
			entry:      models.OutboxEntry{Kind: "pesagem", URL: "/propriedade/17/curral/api/sincronizar/", Payload: json.RawMessage(`{"type":"pesagem","dados":{}}`)},
			wantMethod: "POST",
			wantURL:    "https://monpec.example.com/propriedade/17/curral/api/sincronizar/",
			wantBody:   `{"type":"pesagem","dados":{}}`,
		},
		{
			name:       "absolute url and empty payload",
			entry:      models.OutboxEntry{URL: "https://outra.example.com/api/sync/"},
			wantMethod: "POST",
			wantURL:    "https://outra.example.com/api/sync/",
			wantBody:   `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := b.Build(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, req.Method)
			assert.Equal(t, tt.wantURL, req.URL)
			assert.JSONEq(t, tt.wantBody, string(req.Body))
		})
	}
}

func TestBuildRejectsBrokenEntries(t *testing.T) {
	b, err := NewRequestBuilder("https://monpec.example.com")
	require.NoError(t, err)

	_, err = b.Build(models.OutboxEntry{ID: 1})
	assert.Error(t, err)

	_, err = b.Build(models.OutboxEntry{ID: 2, URL: "/api/x/", Payload: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}

func TestNewRequestBuilderValidatesBase(t *testing.T) {
	_, err := NewRequestBuilder("monpec.example.com")
	assert.Error(t, err)
}
