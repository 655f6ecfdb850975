package voice

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTURNIssuerDisabledReturnsNil(t *testing.T) {
	issuer := newTURNIssuer(false, "secret", "realm", time.Hour, nil, nil)
	creds, err := issuer.Issue("user-1")
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestTURNIssuerDerivesConsistentCredential(t *testing.T) {
	issuer := newTURNIssuer(true, "shared-turn-secret", "realm", time.Hour, []string{"turn:example.com:3478"}, []string{"stun:example.com:3478"})

	creds, err := issuer.Issue("user-1")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.True(t, strings.HasSuffix(creds.Username, ":user-1"))
	assert.NotEmpty(t, creds.Credential)
	assert.Equal(t, []string{"turn:example.com:3478"}, creds.URIs)
}

func TestTURNIssuerDifferentUsersGetDifferentCredentials(t *testing.T) {
	issuer := newTURNIssuer(true, "shared-turn-secret", "realm", time.Hour, nil, nil)

	c1, err := issuer.Issue("user-1")
	require.NoError(t, err)
	c2, err := issuer.Issue("user-2")
	require.NoError(t, err)

	assert.NotEqual(t, c1.Credential, c2.Credential)
}
