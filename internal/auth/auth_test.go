package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator(t *testing.T) {
	a := NewJWTAuthenticator("secret", "shelfsync")
	ctx := context.Background()

	tok, err := IssueToken("secret", "shelfsync", "u1", time.Hour)
	require.NoError(t, err)
	id, err := a.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	wrongKey, err := IssueToken("other", "shelfsync", "u1", time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, wrongKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken("secret", "shelfsync", "u1", -time.Minute)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := IssueToken("secret", "elsewhere", "u1", time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSub, err := IssueToken("secret", "shelfsync", "", time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, noSub)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", ExtractToken(r, "shelfsync_auth"))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r, "shelfsync_auth"))

	r.AddCookie(&http.Cookie{Name: "shelfsync_auth", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", ExtractToken(r, "shelfsync_auth"))
}
