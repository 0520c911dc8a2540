package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "callbackd "+version {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestPublishRejectsUnknownType(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"publish", "d1", "--type", "bogus", "--url", "http://127.0.0.1:1"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "unknown callback type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestPublishHTTP(t *testing.T) {
	var got struct {
		SessionID    string          `json:"sessionId"`
		CallbackType string          `json:"callbackType"`
		Data         json.RawMessage `json:"data"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callbacks" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"eventId":"1712-0"}`))
	}))
	defer srv.Close()

	id, err := publishHTTP(context.Background(), srv.URL+"/", "tok", "d1", callback.KindDigestComplete, `{"digestContent":"x"}`)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "1712-0" {
		t.Fatalf("unexpected event id %q", id)
	}
	if got.SessionID != "d1" || got.CallbackType != "DIGEST_COMPLETE" || string(got.Data) != `{"digestContent":"x"}` {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if auth != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
}

func TestPublishHTTPReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"bearer token required"}}`))
	}))
	defer srv.Close()

	_, err := publishHTTP(context.Background(), srv.URL, "", "d1", callback.KindQuestion, "")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, &config.Config{LogLevel: "debug", LogFormat: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Debug("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected json record, got %q", buf.String())
	}

	if _, err := newLogger(&buf, &config.Config{LogLevel: "info", LogFormat: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewAuthenticatorDisabledWithoutSecret(t *testing.T) {
	auth, err := newAuthenticator(&config.Config{})
	if err != nil || auth != nil {
		t.Fatalf("expected no authenticator, got %v, %v", auth, err)
	}
}
