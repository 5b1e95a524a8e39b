package wsbroker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// loginPath is the request path covered by the login signature.
const loginPath = "/user/verify"

// LoginArgs are the arguments of the login frame.
type LoginArgs struct {
	APIKey     string `json:"api_key"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// Signer produces HMAC-SHA256 signatures for the broker's login frame.
type Signer struct {
	accessKey  string
	secretKey  string
	passphrase string
	now        func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(accessKey, secretKey, passphrase string) *Signer {
	return &Signer{
		accessKey:  accessKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		now:        time.Now,
	}
}

// Sign signs timestamp + method + path + body.
// timestamp: unix milliseconds
// path: request path without host, query included
func (s *Signer) Sign(timestamp, method, path, body string) string {
	return computeHmacSha256(timestamp+method+path+body, s.secretKey)
}

// Login builds the arguments of a login frame stamped with the current time.
func (s *Signer) Login() LoginArgs {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	return LoginArgs{
		APIKey:     s.accessKey,
		Passphrase: s.passphrase,
		Timestamp:  ts,
		Sign:       s.Sign(ts, "GET", loginPath, ""),
	}
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
