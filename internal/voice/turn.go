package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// turnIssuer derives short-term TURN credentials per RFC 5766 §10's
// common convention: username is "{expiry}:{user-id}", credential is the
// base64 HMAC-SHA256 of that username under the shared TURN secret.
type turnIssuer struct {
	enabled  bool
	secret   []byte
	realm    string
	ttl      time.Duration
	uris     []string
	stunURIs []string
}

func newTURNIssuer(enabled bool, secret, realm string, ttl time.Duration, uris, stunURIs []string) *turnIssuer {
	return &turnIssuer{
		enabled:  enabled,
		secret:   []byte(secret),
		realm:    realm,
		ttl:      ttl,
		uris:     uris,
		stunURIs: stunURIs,
	}
}

// Credentials is the temporary username/credential pair handed to clients
// for ICE negotiation against the TURN server.
type Credentials struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
	URIs       []string `json:"uris"`
}

// Issue derives fresh credentials for userID, valid for t.ttl.
func (t *turnIssuer) Issue(userID string) (*Credentials, error) {
	if t == nil || !t.enabled {
		return nil, nil
	}
	expiry := time.Now().Add(t.ttl).Unix()
	username := fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha256.New, t.secret)
	if _, err := mac.Write([]byte(username)); err != nil {
		return nil, fmt.Errorf("derive turn credential: %w", err)
	}
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return &Credentials{
		Username:   username,
		Credential: credential,
		TTL:        int64(t.ttl.Seconds()),
		URIs:       t.uris,
	}, nil
}

func (t *turnIssuer) iceURIs() []string {
	if t == nil || !t.enabled {
		return nil
	}
	return t.uris
}

func (t *turnIssuer) stunURIs() []string {
	if t == nil {
		return nil
	}
	return t.stunURIs
}
