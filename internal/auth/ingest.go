package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers carried by signed ingest requests. The signature is
// hex(HMAC-SHA256(secret, timestamp + "\n" + body)), optionally prefixed
// with "sha256=".
const (
	HeaderIngestTimestamp = "X-Ingest-Timestamp"
	HeaderIngestSignature = "X-Ingest-Signature"
)

const maxSignedBody = 16 << 20

var errBodyTooLarge = errors.New("auth: ingest body too large")

// IngestAuthMiddleware verifies that movement feeds and station imports
// come from a producer holding the shared secret.
type IngestAuthMiddleware struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewIngestAuthMiddleware constructs ingest auth middleware. A zero maxSkew
// disables the timestamp window.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{secret: secret, maxSkew: maxSkew, now: time.Now}
}

// Wrap rejects unsigned requests and hands next a re-readable body.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := m.verify(r)
		switch {
		case errors.Is(err, errBodyTooLarge):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (m *IngestAuthMiddleware) verify(r *http.Request) ([]byte, error) {
	if len(m.secret) == 0 {
		return nil, ErrEmptySecret
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderIngestTimestamp))
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderIngestSignature)))
	signature = strings.TrimPrefix(signature, "sha256=")
	if timestamp == "" || signature == "" {
		return nil, ErrMissingSignature
	}
	sent, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrMissingSignature
	}
	if m.maxSkew > 0 {
		skew := m.now().Sub(time.Unix(sent, 0))
		if skew < -m.maxSkew || skew > m.maxSkew {
			return nil, ErrStaleSignature
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(body) > maxSignedBody {
		return nil, errBodyTooLarge
	}
	if !hmac.Equal([]byte(signature), []byte(SignIngest(m.secret, timestamp, body))) {
		return nil, ErrBadSignature
	}
	return body, nil
}

// SignIngest returns the signature header value for body sent at timestamp.
func SignIngest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
