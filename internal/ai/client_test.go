package ai

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(b)
}

func testClient(baseURL string, keys ...string) *Client {
	return NewClient(config.ProviderConfig{
		BaseURL:   baseURL,
		APIKeys:   keys,
		Model:     "gemini-2.0-flash",
		MaxTokens: 256,
	})
}

func TestClient_Generate(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(completionBody("  hello there  ")))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1")
	got, err := c.Generate("say hi", GenerateOptions{JSONOutput: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello there" {
		t.Errorf("content = %q, want trimmed reply", got)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["response_format"] == nil {
		t.Error("JSONOutput should set response_format")
	}
}

func TestClient_Chat_SendsSystemAndHistory(t *testing.T) {
	var gotBody struct {
		Messages []map[string]string `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(completionBody("sure")))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1")
	history := []Turn{
		{Role: "user", Content: "hey"},
		{Role: "assistant", Content: "hi!"},
	}
	if _, err := c.Chat("you are friday", history, "free tomorrow?"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(gotBody.Messages) != 4 {
		t.Fatalf("got %d messages, want system + 2 history + user", len(gotBody.Messages))
	}
	if gotBody.Messages[0]["role"] != "system" || gotBody.Messages[0]["content"] != "you are friday" {
		t.Errorf("first message = %v", gotBody.Messages[0])
	}
	if gotBody.Messages[3]["content"] != "free tomorrow?" {
		t.Errorf("last message = %v", gotBody.Messages[3])
	}
}

func TestClient_RotatesOnQuota(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(completionBody("from key 2")))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1", "key-2")
	got, err := c.Generate("hi", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "from key 2" {
		t.Errorf("content = %q", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want rotation to second key", calls.Load())
	}

	// The pool pointer stays on the key that worked.
	calls.Store(1)
	if _, err := c.Generate("hi again", GenerateOptions{}); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("second call should start from rotated key, calls = %d", calls.Load())
	}
}

func TestClient_QuotaExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1", "key-2")
	_, err := c.Generate("hi", GenerateOptions{})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("err = %v, want ErrQuotaExhausted", err)
	}
}

func TestClient_ServerErrorUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1", "key-2")
	_, err := c.Generate("hi", GenerateOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "bad prompt"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL, "key-1", "key-2")
	_, err := c.Generate("hi", GenerateOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrUnavailable) {
		t.Errorf("4xx should be a plain failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not rotate keys, calls = %d", calls.Load())
	}
}

func TestClient_NoConfig(t *testing.T) {
	c := testClient("", "key-1")
	if _, err := c.Generate("hi", GenerateOptions{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing base url: err = %v, want ErrUnavailable", err)
	}

	c = testClient("http://localhost:1")
	if _, err := c.Generate("hi", GenerateOptions{}); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("empty pool: err = %v, want ErrQuotaExhausted", err)
	}
}
