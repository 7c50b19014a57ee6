package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"gembalance/internal/config"
	"gembalance/internal/keypool"
	"gembalance/internal/store"
	"gembalance/internal/upstream"
)

func newTestRig(t *testing.T, upstreamURL string, keys ...string) (*gin.Engine, *keypool.Manager) {
	return newTestRigWithPolicy(t, upstreamURL, "", keys...)
}

func newTestRigWithPolicy(t *testing.T, upstreamURL, policy string, keys ...string) (*gin.Engine, *keypool.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	policyPath := filepath.Join(dir, "config.yaml")
	if policy != "" {
		if err := writeTestFile(policyPath, policy); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.NewManager(config.Options{
		PolicyPath: policyPath,
		KeysPath:   filepath.Join(dir, "keys.yaml"),
	})
	t.Cleanup(cfg.Stop)

	st := store.NewFileStore(filepath.Join(dir, "state.json"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	pool := keypool.NewManager(keypool.DefaultMonitoringConfig(), st)
	specs := make([]keypool.KeySpec, 0, len(keys))
	for _, k := range keys {
		specs = append(specs, keypool.KeySpec{Name: k, Secret: "secret-" + k, Weight: 1})
	}
	pool.Bootstrap(context.Background(), specs, nil)

	h := New(cfg, pool, upstream.NewClient(upstreamURL, 5000))

	r := gin.New()
	r.POST("/v1/chat/completions", h.ChatCompletions)
	r.GET("/v1/models", h.ListModels)
	r.GET("/v1/models/:id", h.GetModel)
	r.POST("/v1/embeddings", h.Embeddings)
	return r, pool
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const minimalChat = `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`

func TestChatBufferedHappyPath(t *testing.T) {
	var gotAuth atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"<thought>plan</thought>done"}}]}`))
	}))
	defer up.Close()

	r, _ := newTestRig(t, up.URL, "k1")
	w := postJSON(r, "/v1/chat/completions", minimalChat)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if auth, _ := gotAuth.Load().(string); auth != "Bearer secret-k1" {
		t.Errorf("upstream auth = %q", auth)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<think>plan</think>") {
		t.Errorf("markers not rewritten: %s", body)
	}
	if strings.Contains(body, "<thought>") {
		t.Errorf("upstream marker leaked: %s", body)
	}
}

func TestChatRotatesOnRateLimit(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"quota"}}`))
			return
		}
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer up.Close()

	r, pool := newTestRig(t, up.URL, "k1", "k2")
	w := postJSON(r, "/v1/chat/completions", minimalChat)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d after rotation, body = %s", w.Code, w.Body.String())
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
	// The rate-limited credential is quarantined immediately.
	if n := pool.GetActiveKeyCount(); n != 1 {
		t.Errorf("active keys = %d, want 1", n)
	}
}

func TestChatExhaustedReturnsUpstreamError(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"backend exploded"}}`))
	}))
	defer up.Close()

	r, _ := newTestRig(t, up.URL, "k1")
	w := postJSON(r, "/v1/chat/completions", minimalChat)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := w.Body.Bytes()
	if typ := gjson.GetBytes(body, "error.type").String(); typ != "upstream_error" {
		t.Errorf("error type = %q", typ)
	}
	if s := gjson.GetBytes(body, "error.details.upstreamStatus").Int(); s != 500 {
		t.Errorf("upstreamStatus = %d", s)
	}
}

func TestChatNoHealthyKeys(t *testing.T) {
	r, _ := newTestRig(t, "http://127.0.0.1:0")
	w := postJSON(r, "/v1/chat/completions", minimalChat)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := w.Body.Bytes()
	if typ := gjson.GetBytes(body, "error.type").String(); typ != "service_unavailable" {
		t.Errorf("error type = %q", typ)
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "No healthy API keys available" {
		t.Errorf("message = %q", msg)
	}
}

func TestChatClientErrorPassesThroughWithoutRotation(t *testing.T) {
	var hits atomic.Int32
	const upstreamBody = `{"error":{"message":"unknown model","type":"invalid_request_error"}}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(upstreamBody))
	}))
	defer up.Close()

	r, pool := newTestRig(t, up.URL, "k1", "k2")
	w := postJSON(r, "/v1/chat/completions", minimalChat)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 passed through", w.Code)
	}
	if w.Body.String() != upstreamBody {
		t.Errorf("body rewritten: %s", w.Body.String())
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hits = %d, want 1 (no rotation on 4xx)", n)
	}
	// The request's fault, not the credential's.
	if n := pool.GetActiveKeyCount(); n != 2 {
		t.Errorf("active keys = %d, want 2", n)
	}
}

func TestChatStreamRewritesMarkers(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		// The marker is split across chunks on purpose.
		w.Write([]byte("data: {\"delta\":\"<thou"))
		if fl != nil {
			fl.Flush()
		}
		w.Write([]byte("ght>deep</thought>\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer up.Close()

	r, _ := newTestRig(t, up.URL, "k1")
	body := `{"model":"gemini-2.5-pro","messages":[],"stream":true}`
	w := postJSON(r, "/v1/chat/completions", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	got := w.Body.String()
	if !strings.Contains(got, "<think>deep</think>") {
		t.Errorf("split marker not rewritten: %s", got)
	}
	if !strings.Contains(got, "data: [DONE]") {
		t.Errorf("stream terminator missing: %s", got)
	}
}

func TestChatStreamRotatesBeforeCommit(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"ok\"}\n\n"))
	}))
	defer up.Close()

	r, _ := newTestRig(t, up.URL, "k1", "k2")
	body := `{"model":"gemini-2.5-pro","messages":[],"stream":true}`
	w := postJSON(r, "/v1/chat/completions", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
}

func TestEmbeddingsPassthrough(t *testing.T) {
	const upstreamBody = `{"object":"list","data":[{"embedding":[0.1,0.2]}]}`
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	defer up.Close()

	r, _ := newTestRig(t, up.URL, "k1")
	w := postJSON(r, "/v1/embeddings", `{"model":"text-embedding-004","input":"hello"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != upstreamBody {
		t.Errorf("body not verbatim: %s", w.Body.String())
	}
}
