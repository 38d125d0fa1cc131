package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: ErrMissingToken},
		{name: "wrong scheme", header: "Basic abc", wantErr: ErrMalformedHeader},
		{name: "no token", header: "Bearer", wantErr: ErrMalformedHeader},
		{name: "empty token", header: "Bearer    ", wantErr: ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyringAuthenticate(t *testing.T) {
	keys := NewKeyring("admin-key", []TokenConfig{
		{Token: "reader", Scopes: []string{" pool:read ", ""}},
		{Token: "", Scopes: []string{ScopeAll}},
	})

	p, ok := keys.Authenticate("admin-key")
	require.True(t, ok)
	assert.True(t, p.Can(ScopeJobsWrite))
	assert.True(t, p.Can(ScopeRunExec))

	p, ok = keys.Authenticate("reader")
	require.True(t, ok)
	assert.True(t, p.Can(ScopePoolRead))
	assert.False(t, p.Can(ScopeJobsWrite))
	assert.True(t, p.Can())

	_, ok = keys.Authenticate("nope")
	assert.False(t, ok)

	_, ok = keys.Authenticate("")
	assert.False(t, ok, "empty token must never authenticate")

	_, ok = NewKeyring("", nil).Authenticate("")
	assert.False(t, ok)
}

func TestSubmitScopesImplyPoolRead(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		poolRead bool
		jobs     bool
		run      bool
	}{
		{name: "jobs:write", scopes: []string{ScopeJobsWrite}, poolRead: true, jobs: true},
		{name: "run:exec", scopes: []string{ScopeRunExec}, poolRead: true, run: true},
		{name: "pool:read grants nothing else", scopes: []string{ScopePoolRead}, poolRead: true},
		{name: "unrelated scope", scopes: []string{"other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := NewKeyring("", []TokenConfig{{Token: "t", Scopes: tt.scopes}}).Authenticate("t")
			require.True(t, ok)
			assert.Equal(t, tt.poolRead, p.Can(ScopePoolRead))
			assert.Equal(t, tt.jobs, p.Can(ScopeJobsWrite))
			assert.Equal(t, tt.run, p.Can(ScopeRunExec))
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Token)
	assert.False(t, p.Can(ScopePoolRead))
}
