package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer produces HMAC-SHA256 signatures over the canonical query string.
// Every signed request carries a millisecond timestamp nonce and the
// recvWindow within which the venue will accept it.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow time.Duration
	now        func() time.Time // injectable for tests
}

func NewSigner(apiKey, secret string, recvWindow time.Duration) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

// APIKey returns the key sent in the auth header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign adds timestamp, recvWindow and signature to params and returns the
// final encoded query string. Params are encoded in sorted key order, which
// is the canonical form the venue verifies against.
func (s *Signer) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	sig := hex.EncodeToString(mac.Sum(nil))

	return query + "&signature=" + sig
}
