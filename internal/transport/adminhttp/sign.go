package adminhttp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signed requests carry the staff member's name and an HMAC-SHA256 over
// ts, method, path, staff, nonce and body.
const (
	HeaderStaff     = "X-Blocklog-Staff"
	HeaderTS        = "X-Blocklog-Ts"
	HeaderNonce     = "X-Blocklog-Nonce"
	HeaderSignature = "X-Blocklog-Signature"

	signatureSkew = 5 * time.Minute
)

func CanonicalString(ts, method, path, staff, nonce string, body []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + strings.TrimSpace(staff) + "\n" + strings.TrimSpace(nonce) + "\n" + string(body)
}

func Sign(secret []byte, canonical string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// SignRequest sets the signature headers on req for body, which must be the exact bytes
// sent.
func SignRequest(req *http.Request, secret []byte, staff, nonce string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set(HeaderStaff, staff)
	req.Header.Set(HeaderTS, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(secret, CanonicalString(ts, req.Method, req.URL.Path, staff, nonce, body)))
}

type verifyResult struct {
	Staff     string
	Signature string
	Status    int
	Message   string
}

func (v verifyResult) ok() bool { return v.Status == 0 }

func verifySignature(r *http.Request, body, secret []byte, now time.Time) verifyResult {
	staff := strings.TrimSpace(r.Header.Get(HeaderStaff))
	if staff == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing staff header"}
	}
	tsStr := strings.TrimSpace(r.Header.Get(HeaderTS))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if tsStr == "" || nonce == "" || sig == "" {
		return verifyResult{Status: http.StatusUnauthorized, Message: "missing signature headers"}
	}
	tsMS, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return verifyResult{Status: http.StatusUnauthorized, Message: "bad timestamp"}
	}
	if d := now.UnixMilli() - tsMS; d > signatureSkew.Milliseconds() || d < -signatureSkew.Milliseconds() {
		return verifyResult{Status: http.StatusUnauthorized, Message: "timestamp outside window"}
	}
	want := Sign(secret, CanonicalString(tsStr, r.Method, r.URL.Path, staff, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return verifyResult{Status: http.StatusUnauthorized, Message: "bad signature"}
	}
	return verifyResult{Staff: staff, Signature: sig}
}

// readBodyForSignature buffers the body so it can be verified and still decoded later.
func readBodyForSignature(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

type staffKey struct{}

// SignedStaff returns the staff name of a verified signed request.
func SignedStaff(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(staffKey{}).(string)
	return s, ok && s != ""
}

// replayGuard rejects a signature seen again within ttl.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]int64
	ttl       time.Duration
	lastPrune int64
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * signatureSkew
	}
	return &replayGuard{seen: map[string]int64{}, ttl: ttl}
}

func (g *replayGuard) allow(staff, signature string, now time.Time) bool {
	key := staff + "|" + signature
	nowMS := now.UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) > 4096 || nowMS-g.lastPrune > g.ttl.Milliseconds()/2 {
		for k, exp := range g.seen {
			if exp <= nowMS {
				delete(g.seen, k)
			}
		}
		g.lastPrune = nowMS
	}
	if exp, ok := g.seen[key]; ok && exp > nowMS {
		return false
	}
	g.seen[key] = nowMS + g.ttl.Milliseconds()
	if len(g.seen) > 65536 {
		g.seen = map[string]int64{key: nowMS + g.ttl.Milliseconds()}
	}
	return true
}
