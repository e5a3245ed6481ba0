package metering

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/earnings"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/sqlite"
)

type testIdentity struct{ id string }

func (i testIdentity) DeviceID() string       { return i.id }
func (i testIdentity) GatewayAddress() string { return "" }
func (i testIdentity) AuthKey() string        { return "" }
func (i testIdentity) IsRegistered() bool     { return false }

// steppingClock returns start, then start+step, start+2*step, ...
type steppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.step)
	return t
}

type harness struct {
	db       *sqlite.DB
	tasks    *ledger.TaskLedger
	earnings *ledger.EarningsLedger
	ic       *Interceptor
}

func newHarness(t *testing.T, deviceID string) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.UpsertDevice(context.Background(), domain.Device{ID: "dev-1"}); err != nil {
		t.Fatalf("UpsertDevice() error: %v", err)
	}

	h := &harness{db: db, tasks: ledger.NewTaskLedger(db, nil)}
	h.earnings = ledger.NewEarningsLedger(db, db, db, nil)
	h.ic = NewInterceptor(NewClassifier("vllm"), earnings.NewCatalog(nil), h.tasks, h.earnings,
		testIdentity{deviceID}, nil, Options{})
	return h
}

func (h *harness) serve(t *testing.T, path, body string, backend http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ic.Middleware(backend).ServeHTTP(rec, req)
	h.ic.Wait()
	return rec
}

func (h *harness) onlyTask(t *testing.T) domain.Task {
	t.Helper()
	tasks, err := h.tasks.List(context.Background(), domain.TaskQuery{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want exactly 1", len(tasks))
	}
	return tasks[0]
}

func (h *harness) earningCount(t *testing.T) int {
	t.Helper()
	es, err := h.earnings.List(context.Background(), domain.EarningQuery{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	return len(es)
}

// ─── Classifier ─────────────────────────────────────────────────────────────

func TestClassifier(t *testing.T) {
	c := NewClassifier("vllm")
	tests := []struct {
		path string
		want Class
		ok   bool
	}{
		{"/api/chat", Class{"ollama", "chat"}, true},
		{"/ollama/api/chat", Class{"ollama", "chat"}, true},
		{"/api/generate/", Class{"ollama", "generate"}, true},
		{"/ollama/api/embeddings", Class{"ollama", "embeddings"}, true},
		{"/openai/chat/completions", Class{"vllm", "chat/completions"}, true},
		{"/openai/completions", Class{"vllm", "completions"}, true},
		{"/openai/embeddings", Class{"vllm", "embeddings"}, true},
		{"/api/tags", Class{}, false},
		{"/health", Class{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := c.Classify(tt.path)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Classify(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.ok)
			}
		})
	}
	if got, _ := NewClassifier("").Classify("/openai/completions"); got.Family != "ollama" {
		t.Errorf("default openai family = %q, want ollama", got.Family)
	}
	if len(c.Routes()) != 9 {
		t.Errorf("Routes() = %d, want 9", len(c.Routes()))
	}
}

// ─── Estimation ─────────────────────────────────────────────────────────────

func TestInspectRequest(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		model string
		want  int64
	}{
		{"chat messages", `{"model":"llama3","messages":[{"role":"user","content":"abcdefgh"},{"role":"assistant","content":"abcd"}]}`, "llama3", 3},
		{"content parts", `{"model":"m","messages":[{"content":[{"type":"text","text":"abcdefgh"}]}]}`, "m", 2},
		{"prompt and system", `{"model":"m","prompt":"abcdefgh","system":"abcd"}`, "m", 3},
		{"prompt list", `{"prompt":["abcd","abcd"]}`, "", 2},
		{"embedding input", `{"model":"e","input":["abcdefgh"]}`, "e", 2},
		{"not json", `hello`, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InspectRequest([]byte(tt.body))
			if got.Model != tt.model || got.InputTokens != tt.want {
				t.Errorf("InspectRequest() = %+v, want model=%q tokens=%d", got, tt.model, tt.want)
			}
		})
	}
}

func TestInspectResponse_OllamaJSON(t *testing.T) {
	info := InspectResponse([]byte(`{"model":"llama3","message":{"role":"assistant","content":"hi"},"done":true,"total_duration":5000,"prompt_eval_count":9,"eval_count":50}`))
	if !info.Reported || info.OutputTokens() != 50 {
		t.Errorf("OutputTokens() = %d reported=%v, want 50 reported", info.OutputTokens(), info.Reported)
	}
	if info.Usage.TotalDuration != 5000 || info.Usage.PromptEvalCount != 9 {
		t.Errorf("usage = %+v", info.Usage)
	}
	if info.Text != "hi" {
		t.Errorf("Text = %q, want hi", info.Text)
	}
}

func TestInspectResponse_OllamaNDJSON(t *testing.T) {
	stream := `{"response":"Hel","done":false}
{"response":"lo","done":false}
{"response":"","done":true,"eval_count":7}
`
	info := InspectResponse([]byte(stream))
	if info.Text != "Hello" {
		t.Errorf("Text = %q, want Hello", info.Text)
	}
	if info.OutputTokens() != 7 {
		t.Errorf("OutputTokens() = %d, want 7", info.OutputTokens())
	}
}

func TestInspectResponse_OpenAISSE(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"abcd\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"efgh\"}}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":11,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"
	info := InspectResponse([]byte(stream))
	if info.Text != "abcdefgh" {
		t.Errorf("Text = %q", info.Text)
	}
	if !info.Reported || info.OutputTokens() != 3 || info.Usage.PromptEvalCount != 11 {
		t.Errorf("usage = %+v reported=%v", info.Usage, info.Reported)
	}
}

func TestInspectResponse_Fallbacks(t *testing.T) {
	info := InspectResponse([]byte(`{"choices":[{"message":{"content":"abcdefgh"}}]}`))
	if info.Reported || info.OutputTokens() != 2 {
		t.Errorf("OpenAI without usage = %+v", info)
	}
	info = InspectResponse([]byte("plain text body!"))
	if info.OutputTokens() != 4 {
		t.Errorf("plain text tokens = %d, want 4", info.OutputTokens())
	}
	pretty := "{\n  \"response\": \"abcdabcd\",\n  \"done\": false\n}"
	if got := InspectResponse([]byte(pretty)).Text; got != "abcdabcd" {
		t.Errorf("pretty JSON text = %q", got)
	}
	openaiPretty := `{
  "id": "chatcmpl-1",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "hello world"}}],
  "usage": {"prompt_tokens": 5, "completion_tokens": 50}
}`
	info = InspectResponse([]byte(openaiPretty))
	if !info.Reported || info.OutputTokens() != 50 || info.Usage.PromptEvalCount != 5 {
		t.Errorf("pretty OpenAI with usage = %+v, want reported 5 in / 50 out", info)
	}
	if info.Text != "hello world" {
		t.Errorf("pretty OpenAI text = %q", info.Text)
	}
	if InspectResponse(nil).OutputTokens() != 0 {
		t.Error("empty body should yield 0 tokens")
	}
}

// ─── Interceptor ────────────────────────────────────────────────────────────

func TestInterceptor_ChatScenario(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.ic.now = (&steppingClock{next: time.Now(), step: 1500 * time.Millisecond}).Now

	body := `{"model":"llama3","messages":[{"role":"user","content":"` + strings.Repeat("a", 400) + `"}]}`
	rec := h.serve(t, "/api/chat", body, func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != body {
			t.Errorf("backend saw a different body")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"llama3","message":{"content":"ok"},"done":true,"eval_count":50}`)
	})

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"eval_count":50`) {
		t.Fatalf("response altered: %d %s", rec.Code, rec.Body.String())
	}

	task := h.onlyTask(t)
	if task.Status != domain.TaskCompleted || task.Source != domain.SourceLocal {
		t.Errorf("task = %s/%s, want completed/local", task.Status, task.Source)
	}
	if task.Family != "ollama" || task.Kind != "chat" || task.Model != "llama3" {
		t.Errorf("task class = %s/%s model=%s", task.Family, task.Kind, task.Model)
	}
	if task.PromptEvalCount != 100 || task.EvalCount != 50 {
		t.Errorf("usage = %+v, want 100 in / 50 out", task.Usage)
	}
	if task.TotalDuration != int64(1500*time.Millisecond) {
		t.Errorf("TotalDuration = %d, want 1.5s", task.TotalDuration)
	}

	es, _ := h.earnings.List(context.Background(), domain.EarningQuery{TaskID: task.ID})
	if len(es) != 1 {
		t.Fatalf("earnings for task = %d, want 1", len(es))
	}
	if math.Abs(es[0].JobRewards-0.21015) > 1e-9 {
		t.Errorf("JobRewards = %v, want 0.21015", es[0].JobRewards)
	}
	if es[0].BlockRewards != 0 || es[0].DeviceID != "dev-1" {
		t.Errorf("earning = %+v", es[0])
	}
}

func TestInterceptor_LargeRequestBody(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.ic.opts.MaxCaptureBytes = 64

	body := `{"model":"llama3","messages":[{"role":"user","content":"` + strings.Repeat("a", 4000) + `"}]}`
	h.serve(t, "/api/chat", body, func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != body {
			t.Errorf("backend saw %d bytes, want %d", len(got), len(body))
		}
		io.WriteString(w, `{"message":{"content":"ok"},"done":true,"eval_count":5}`)
	})

	task := h.onlyTask(t)
	if task.Status != domain.TaskCompleted {
		t.Errorf("Status = %s, want completed", task.Status)
	}
	if want := int64(len(body)) / 4; task.PromptEvalCount != want {
		t.Errorf("PromptEvalCount = %d, want %d", task.PromptEvalCount, want)
	}
}

func TestInterceptor_PassThrough(t *testing.T) {
	h := newHarness(t, "dev-1")
	rec := h.serve(t, "/api/tags", "", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tags")
	})
	if rec.Body.String() != "tags" {
		t.Errorf("body = %q", rec.Body.String())
	}
	tasks, _ := h.tasks.List(context.Background(), domain.TaskQuery{})
	if len(tasks) != 0 {
		t.Errorf("unmetered route created %d tasks", len(tasks))
	}
}

func TestInterceptor_BackendError(t *testing.T) {
	h := newHarness(t, "dev-1")
	rec := h.serve(t, "/openai/chat/completions", `{"model":"m","messages":[]}`, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 passed through", rec.Code)
	}
	task := h.onlyTask(t)
	if task.Status != domain.TaskFailed || !strings.Contains(task.Error, "503") {
		t.Errorf("task = %s %q, want failed with status", task.Status, task.Error)
	}
	if n := h.earningCount(t); n != 0 {
		t.Errorf("earnings = %d, want 0 on failure", n)
	}
}

func TestInterceptor_Panic(t *testing.T) {
	h := newHarness(t, "dev-1")
	handler := h.ic.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("backend exploded")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic should propagate to the server's recoverer")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{}`)))
	}()
	h.ic.Wait()

	task := h.onlyTask(t)
	if task.Status != domain.TaskFailed || !strings.Contains(task.Error, "panic") {
		t.Errorf("task = %s %q, want failed after panic", task.Status, task.Error)
	}
	if n := h.earningCount(t); n != 0 {
		t.Errorf("earnings = %d, want 0", n)
	}
}

func TestInterceptor_BookkeepingFailureIsInvisible(t *testing.T) {
	// Unknown device: the earning write is refused but the caller is served.
	h := newHarness(t, "unregistered-device")
	rec := h.serve(t, "/api/generate", `{"model":"m","prompt":"abcd"}`, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"fine","done":true,"eval_count":1}`)
	})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fine") {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if task := h.onlyTask(t); task.Status != domain.TaskCompleted {
		t.Errorf("task status = %s, want completed", task.Status)
	}
	if n := h.earningCount(t); n != 0 {
		t.Errorf("earnings = %d, want 0", n)
	}
}

func TestInterceptor_StoreDownStillServes(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.db.Close()
	rec := h.serve(t, "/api/chat", `{"model":"m"}`, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "served")
	})
	if rec.Body.String() != "served" {
		t.Errorf("body = %q, want served", rec.Body.String())
	}
}

func TestInterceptor_StreamingFlushes(t *testing.T) {
	h := newHarness(t, "dev-1")
	rec := h.serve(t, "/openai/chat/completions", `{"model":"m","stream":true,"messages":[{"content":"abcd"}]}`,
		func(w http.ResponseWriter, r *http.Request) {
			f, ok := w.(http.Flusher)
			if !ok {
				t.Fatal("recorder must expose http.Flusher")
			}
			io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"abcdefgh\"}}]}\n\n")
			f.Flush()
			io.WriteString(w, "data: [DONE]\n\n")
			f.Flush()
		})
	if !rec.Flushed {
		t.Error("Flush() not forwarded")
	}
	task := h.onlyTask(t)
	if task.EvalCount != 2 || task.PromptEvalCount != 1 {
		t.Errorf("usage = %+v, want 1 in / 2 out", task.Usage)
	}
	if h.earningCount(t) != 1 {
		t.Error("streamed call should produce one earning")
	}
}

func TestInterceptor_ConcurrentCalls(t *testing.T) {
	h := newHarness(t, "dev-1")
	handler := h.ic.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"response":"x","done":true,"eval_count":2}`)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt":"abcd"}`)))
		}()
	}
	wg.Wait()
	h.ic.Wait()

	tasks, _ := h.tasks.List(context.Background(), domain.TaskQuery{Statuses: []domain.TaskStatus{domain.TaskCompleted}})
	if len(tasks) != 10 {
		t.Errorf("completed tasks = %d, want 10", len(tasks))
	}
	if n := h.earningCount(t); n != 10 {
		t.Errorf("earnings = %d, want 10", n)
	}
}

// ─── Recorder ───────────────────────────────────────────────────────────────

func TestResponseRecorder_CaptureLimit(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := newResponseRecorder(inner, 4)
	rec.Write([]byte("abcdefgh"))

	if inner.Body.String() != "abcdefgh" {
		t.Errorf("client got %q, want full body", inner.Body.String())
	}
	if string(rec.Captured()) != "abcd" || !rec.Truncated() {
		t.Errorf("captured %q truncated=%v", rec.Captured(), rec.Truncated())
	}
	if rec.Status() != http.StatusOK {
		t.Errorf("Status() = %d, want 200", rec.Status())
	}
	if rec.Unwrap() != http.ResponseWriter(inner) {
		t.Error("Unwrap() should return the inner writer")
	}
}
