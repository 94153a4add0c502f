package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToUTF8(t *testing.T) {
	// "vacinação" in Windows-1252
	win1252 := []byte{'v', 'a', 'c', 'i', 'n', 'a', 0xE7, 0xE3, 'o'}

	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        string
	}{
		{"utf8 passthrough", "application/json; charset=utf-8", []byte("vacinação"), "vacinação"},
		{"no charset valid utf8", "application/json", []byte("pesagem"), "pesagem"},
		{"no charset legacy bytes", "", win1252, "vacinação"},
		{"declared latin1", "text/html; charset=ISO-8859-1", win1252, "vacinação"},
		{"declared windows-1252", "text/plain; charset=windows-1252", win1252, "vacinação"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ToUTF8(tt.contentType, tt.body)))
		})
	}
}

func TestToUTF8Empty(t *testing.T) {
	assert.Empty(t, ToUTF8("text/plain", nil))
}
