package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCredentialsCachesToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "https://graph.microsoft.com/.default", r.Form.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	p, err := NewClientCredentials(ClientCredentialsConfig{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, ok := p.Token(context.Background(), "https://graph.microsoft.com/.default")
		require.True(t, ok)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientCredentialsFailureIsNoToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	p, err := NewClientCredentials(ClientCredentialsConfig{ClientID: "id", ClientSecret: "bad", TokenURL: srv.URL}, nil)
	require.NoError(t, err)

	tok, ok := p.Token(context.Background(), "scope")
	assert.False(t, ok)
	assert.Empty(t, tok)
}

func TestNewClientCredentialsValidates(t *testing.T) {
	_, err := NewClientCredentials(ClientCredentialsConfig{ClientID: "id"}, nil)
	assert.Error(t, err)
	_, err = NewClientCredentials(ClientCredentialsConfig{ClientID: "id", ClientSecret: "s"}, nil)
	assert.Error(t, err, "tenant required without token url")
}

func TestStatic(t *testing.T) {
	tok, ok := Static("abc").Token(context.Background(), "x")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)
	_, ok = Static("").Token(context.Background(), "x")
	assert.False(t, ok)
}
