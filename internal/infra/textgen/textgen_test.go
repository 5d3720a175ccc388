package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/healing"
)

func newFakeProvider(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if status != http.StatusOK {
			http.Error(w, "provider down", status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestComplete(t *testing.T) {
	srv, _ := newFakeProvider(t, http.StatusOK, "<h1>hi</h1>")
	c := New(Config{BaseURL: srv.URL + "/", APIKey: "k", Model: "m", System: "be terse"}, nil)

	out, err := c.Complete(context.Background(), "make a heading", domain.GenerationContext{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if out != "<h1>hi</h1>" {
		t.Errorf("Complete() = %q", out)
	}
}

func TestComplete_ErrorStatus(t *testing.T) {
	srv, _ := newFakeProvider(t, http.StatusBadGateway, "")
	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", System: "s"}, nil)

	_, err := c.Complete(context.Background(), "x", domain.GenerationContext{})
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("Complete() error = %v, want ErrGeneration", err)
	}
}

func TestComplete_BreakerStopsCalls(t *testing.T) {
	srv, calls := newFakeProvider(t, http.StatusInternalServerError, "")
	b := healing.NewBreaker("textgen", healing.Config{FailureThreshold: 2, Cooldown: time.Hour})
	c := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", System: "s"}, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = c.Complete(ctx, "x", domain.GenerationContext{})
	}
	_, err := c.Complete(ctx, "x", domain.GenerationContext{})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Errorf("Complete() error = %v, want ErrCircuitOpen", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"```html\n<h1>x</h1>\n```", "<h1>x</h1>\n"},
		{"  ```\nbody\n```  ", "body\n"},
		{"```js\nunterminated", "unterminated"},
		{"```", "```"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTasks(t *testing.T) {
	text := "Here is the fix:\n```json\n[\n" +
		`{"name":"script","extension":".js","taskType":"modify","payload":"fixed()"},` +
		`{"name":"deps","extension":"sh","type":"Install","content":"npm install react"}` +
		"\n]\n```"

	tasks, err := ParseTasks(text)
	if err != nil {
		t.Fatalf("ParseTasks() error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	want0 := domain.Task{Name: "script", Extension: "js", Type: domain.TaskModify, Payload: "fixed()"}
	if tasks[0] != want0 {
		t.Errorf("tasks[0] = %+v, want %+v", tasks[0], want0)
	}
	if tasks[1].Type != domain.TaskInstall || tasks[1].Payload != "npm install react" {
		t.Errorf("tasks[1] = %+v", tasks[1])
	}
}

func TestParseTasks_NoTasks(t *testing.T) {
	for _, text := range []string{"sorry, I can't", "[]", "[{broken"} {
		if _, err := ParseTasks(text); !errors.Is(err, domain.ErrNoTasksProduced) {
			t.Errorf("ParseTasks(%q) error = %v, want ErrNoTasksProduced", text, err)
		}
	}
}
