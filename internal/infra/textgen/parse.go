package textgen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// StripFences removes a surrounding markdown code fence, if any.
// "```html\n<h1>x</h1>\n```" → "<h1>x</h1>\n"
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return s
	}
	body := t[nl+1:]
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

// generatedTask accepts the field spellings models commonly produce.
type generatedTask struct {
	Name      string `json:"name"`
	Extension string `json:"extension"`
	TaskType  string `json:"taskType"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Content   string `json:"content"`
}

// ParseTasks extracts a JSON task array from generated text. Surrounding prose
// and code fences are ignored. Entries are returned as-is; validation is the
// engine's job.
func ParseTasks(text string) ([]domain.Task, error) {
	body := StripFences(text)
	start := strings.IndexByte(body, '[')
	end := strings.LastIndexByte(body, ']')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no task array in response", domain.ErrNoTasksProduced)
	}

	var raw []generatedTask
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode task array: %v", domain.ErrNoTasksProduced, err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrNoTasksProduced
	}

	tasks := make([]domain.Task, 0, len(raw))
	for _, g := range raw {
		typ := g.TaskType
		if typ == "" {
			typ = g.Type
		}
		payload := g.Payload
		if payload == "" {
			payload = g.Content
		}
		tasks = append(tasks, domain.Task{
			Name:      strings.TrimSpace(g.Name),
			Extension: strings.TrimPrefix(strings.TrimSpace(g.Extension), "."),
			Type:      domain.ParseTaskType(typ),
			Payload:   payload,
		})
	}
	return tasks, nil
}
