package adminhttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/rollback"
)

func TestSign_Vector(t *testing.T) {
	canon := CanonicalString("1700000000000", "post", "/admin/v1/rollback/player", "mod", "n-1", []byte(`{"actor":"griefer","window":"1h"}`))
	got := Sign([]byte("topsecret"), canon)
	want := "548270ade82216f67d2524eaf78b636cba06d7bf0efd40fce11ed6f033474ef2"
	if got != want {
		t.Fatalf("signature=%s want=%s", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"actor":"griefer","window":"1h"}`)
	now := time.UnixMilli(1700000000000)

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/rollback/player", bytes.NewReader(body))
	SignRequest(req, secret, "mod", "n-1", body, now)
	if v := verifySignature(req, body, secret, now.Add(time.Minute)); !v.ok() || v.Staff != "mod" {
		t.Fatalf("verify=%+v", v)
	}
	if v := verifySignature(req, body, secret, now.Add(signatureSkew+time.Second)); v.Status != http.StatusUnauthorized {
		t.Fatalf("expired verify=%+v", v)
	}
	if v := verifySignature(req, []byte(`{"actor":"steve","window":"1h"}`), secret, now); v.Status != http.StatusUnauthorized {
		t.Fatalf("tampered verify=%+v", v)
	}
	req.Header.Del(HeaderNonce)
	if v := verifySignature(req, body, secret, now); v.Status != http.StatusUnauthorized {
		t.Fatalf("no nonce verify=%+v", v)
	}
}

func TestReplayGuard(t *testing.T) {
	g := newReplayGuard(time.Minute)
	now := time.Unix(1000, 0)
	if !g.allow("mod", "sig", now) {
		t.Fatalf("first use rejected")
	}
	if g.allow("mod", "sig", now.Add(30*time.Second)) {
		t.Fatalf("replay within ttl allowed")
	}
	if !g.allow("admin", "sig", now) {
		t.Fatalf("other staff rejected")
	}
	if !g.allow("mod", "sig", now.Add(2*time.Minute)) {
		t.Fatalf("reuse after ttl rejected")
	}
}

func TestGuard_SignedRequest(t *testing.T) {
	f := newFixture(t)
	griefer := model.Actor{ID: uuid.New(), Name: "griefer"}
	f.dir.Join(griefer)

	body := []byte(`{"actor":"griefer","window":"1h"}`)
	signed := func(nonce string, secret []byte) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/admin/v1/rollback/player", bytes.NewReader(body)) // RemoteAddr 192.0.2.1
		SignRequest(req, secret, "mod", nonce, body, time.Now())
		return req
	}

	req := signed("n-1", []byte("topsecret"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("signed status=%d body=%s", rec.Code, rec.Body.String())
	}
	var info rollback.JobInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Requester != "mod" {
		t.Fatalf("requester=%q want=mod", info.Requester)
	}

	rec = httptest.NewRecorder()
	replayed := httptest.NewRequest(http.MethodPost, "/admin/v1/rollback/player", bytes.NewReader(body))
	replayed.Header = req.Header.Clone()
	f.mux.ServeHTTP(rec, replayed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed status=%d want=401", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, signed("n-2", []byte("wrong")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status=%d want=401", rec.Code)
	}
}
