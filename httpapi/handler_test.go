package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/diary-callbacks/broker/memory"
	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/workerauth"
	"github.com/ggoodman/diary-callbacks/relay"
	"github.com/ggoodman/diary-callbacks/sessions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingPublisher struct{}

func (failingPublisher) PublishCallback(context.Context, string, callback.Kind, any) (string, error) {
	return "", errors.New("bus unavailable")
}

func newTestHandler(t *testing.T, pub CallbackPublisher, opts ...Option) (*Handler, *sessions.Controller) {
	t.Helper()
	ctrl := sessions.NewController(sessions.NewRegistry(), sessions.WithLogger(quietLogger()))
	if pub == nil {
		b := memory.New()
		t.Cleanup(func() { _ = b.Close() })
		pub = relay.NewPublisher(b, "ai-callback", relay.WithLogger(quietLogger()))
	}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(ctrl, ctrl.Registry(), pub, opts...), ctrl
}

func do(h http.Handler, method, path, ctype, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

const questionBody = `{"sessionId":"d1","callbackType":"QUESTION","data":{"status":"success","questions":[{"question":"why?"}]}}`

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(h, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPrepareAndGetSession(t *testing.T) {
	h, ctrl := newTestHandler(t, nil)

	rec := do(h, http.MethodPost, "/sessions/d1/prepare", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare: expected 200, got %d", rec.Code)
	}
	st := decodeBody[sessionStatus](t, rec)
	if st.State != "prepared" || st.Created == nil || !*st.Created || st.HasLocalSession {
		t.Fatalf("unexpected prepare response: %+v", st)
	}

	rec = do(h, http.MethodPost, "/sessions/d1/prepare", "", "", nil)
	if st := decodeBody[sessionStatus](t, rec); st.Created == nil || *st.Created {
		t.Fatalf("second prepare should not create: %+v", st)
	}

	if err := ctrl.Subscribe(context.Background(), "d1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rec = do(h, http.MethodGet, "/sessions/d1", "", "", nil)
	st = decodeBody[sessionStatus](t, rec)
	if st.SessionID != "d1" || st.State != "active" || !st.HasLocalSession {
		t.Fatalf("unexpected status: %+v", st)
	}

	rec = do(h, http.MethodGet, "/sessions/unknown", "", "", nil)
	if st := decodeBody[sessionStatus](t, rec); st.State != "unprepared" || st.HasLocalSession {
		t.Fatalf("unexpected status for unknown session: %+v", st)
	}
}

func TestPostCallbackRequiresJSON(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(h, http.MethodPost, "/callbacks", "text/plain", questionBody, nil)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestPostCallbackRejectsInvalidInput(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	cases := map[string]string{
		"not json":      `{`,
		"unknown type":  `{"sessionId":"d1","callbackType":"NOPE","data":{}}`,
		"no session":    `{"callbackType":"QUESTION","data":{"status":"success"}}`,
		"bad data type": `{"sessionId":"d1","callbackType":"QUESTION","data":"text"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/callbacks", "application/json", body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPostCallbackPublishes(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := do(h, http.MethodPost, "/callbacks", "application/json; charset=utf-8", questionBody, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeBody[publishResponse](t, rec); resp.EventID == "" {
		t.Fatal("expected an event id")
	}
}

func TestPostCallbackAcceptsDiaryID(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	body := `{"diaryId":"d9","callbackType":"DIGEST_COMPLETE","data":{"status":"success","digestContent":"done"}}`
	rec := do(h, http.MethodPost, "/callbacks", "application/json", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostCallbackPublishFailure(t *testing.T) {
	h, _ := newTestHandler(t, failingPublisher{})
	rec := do(h, http.MethodPost, "/callbacks", "application/json", questionBody, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestPostCallbackAuthentication(t *testing.T) {
	auth, err := workerauth.New(workerauth.Config{Secret: []byte("s3cret"), Issuer: "workers"})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	h, _ := newTestHandler(t, nil, WithAuthenticator(auth), WithRealm("diary"))

	rec := do(h, http.MethodPost, "/callbacks", "application/json", questionBody, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="diary"` {
		t.Fatalf("unexpected challenge %q", got)
	}

	rec = do(h, http.MethodPost, "/callbacks", "application/json", questionBody, http.Header{
		"Authorization": {"Bearer not-a-token"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Fatalf("unexpected challenge %q", got)
	}

	tok, err := auth.Issue("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = do(h, http.MethodPost, "/callbacks", "application/json", questionBody, http.Header{
		"Authorization": {"Bearer " + tok},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("valid token: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPrepareAuthentication(t *testing.T) {
	auth, err := workerauth.New(workerauth.Config{Secret: []byte("s3cret")})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	h, ctrl := newTestHandler(t, nil, WithAuthenticator(auth))

	rec := do(h, http.MethodPost, "/sessions/d1/prepare", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if ctrl.Registry().Len() != 0 {
		t.Fatal("rejected prepare must not create an entry")
	}

	tok, err := auth.Issue("diary-api", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = do(h, http.MethodPost, "/sessions/d1/prepare", "", "", http.Header{
		"Authorization": {"Bearer " + tok},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}
	if st := decodeBody[sessionStatus](t, rec); st.State != "prepared" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestOptionalRoutes(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	if rec := do(h, http.MethodGet, "/metrics", "", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be unmounted, got %d", rec.Code)
	}

	mounted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h, _ = newTestHandler(t, nil, WithMetricsHandler(mounted), WithRealtime(mounted))
	if rec := do(h, http.MethodGet, "/metrics", "", "", nil); rec.Code != http.StatusTeapot {
		t.Fatalf("metrics: expected mounted handler, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/ws", "", "", nil); rec.Code != http.StatusTeapot {
		t.Fatalf("ws: expected mounted handler, got %d", rec.Code)
	}
}
