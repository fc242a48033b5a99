package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		cookie string
		want   string
	}{
		{
			name:  "default cookie",
			setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "sid", Value: "c-tok"}) },
			want:  "c-tok",
		},
		{
			name:   "custom cookie",
			setup:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "fugue", Value: "f-tok"}) },
			cookie: "fugue",
			want:   "f-tok",
		},
		{
			name:  "bearer header",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer h-tok") },
			want:  "h-tok",
		},
		{
			name:  "bearer is case-insensitive",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "bearer h-tok") },
			want:  "h-tok",
		},
		{
			name:  "basic auth ignored",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") },
			want:  "",
		},
		{
			name: "cookie wins over header",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "sid", Value: "c-tok"})
				r.Header.Set("Authorization", "Bearer h-tok")
			},
			want: "c-tok",
		},
		{
			name:  "none",
			setup: func(r *http.Request) {},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, TokenFromRequest(r, tt.cookie))
		})
	}
}

func TestTokenFromRequest_QueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q-tok", nil)
	assert.Equal(t, "q-tok", TokenFromRequest(r, ""))
}
