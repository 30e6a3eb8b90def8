// Package templates is the reply template library: canned replies with
// {{variable}} placeholders, grouped by category and tag.
package templates

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/highclaw/clawdesk/internal/store"
)

// StoreKey is the settings key the library is persisted under.
const StoreKey = "templates"

// ErrNotFound is returned for an unknown template id.
var ErrNotFound = errors.New("template not found")

// Template is one saved reply.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KV is the slice of store.Store the library needs.
type KV interface {
	Get(ctx context.Context, key string, dst any) error
	Set(ctx context.Context, key string, value any) error
}

// Library is a template collection backed by a KV.
type Library struct {
	kv  KV
	now func() time.Time

	mu        sync.Mutex
	loaded    bool
	templates []Template
}

// New returns a Library over kv.
func New(kv KV) *Library {
	return &Library{kv: kv, now: time.Now}
}

// Defaults are seeded the first time an empty library is read.
func Defaults(now time.Time) []Template {
	mk := func(id, name, content, category string, tags ...string) Template {
		return Template{ID: id, Name: name, Content: content, Category: category, Tags: tags, CreatedAt: now, UpdatedAt: now}
	}
	return []Template{
		mk("1", "问候语", "您好，有什么可以帮您的？", "客服", "#客服", "#常用"),
		mk("2", "确认收到", "收到，我会尽快处理。", "确认", "#确认"),
		mk("3", "故障排查", "请提供以下信息：\n1. 错误日志截图\n2. 发生时间\n3. 影响范围", "运维", "#运维"),
	}
}

func (l *Library) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	var ts []Template
	err := l.kv.Get(ctx, StoreKey, &ts)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ts = Defaults(l.now().UTC())
		if err := l.kv.Set(ctx, StoreKey, ts); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load templates: %w", err)
	}
	l.templates = ts
	l.loaded = true
	return nil
}

// List returns every template in insertion order.
func (l *Library) List(ctx context.Context) ([]Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return append([]Template(nil), l.templates...), nil
}

// Get returns the template with id.
func (l *Library) Get(ctx context.Context, id string) (Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(ctx); err != nil {
		return Template{}, err
	}
	for _, t := range l.templates {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, ErrNotFound
}

// Save adds t, or updates the template with t.ID when it exists.
func (l *Library) Save(ctx context.Context, t Template) (Template, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Template{}, errors.New("template name is required")
	}
	if strings.TrimSpace(t.Content) == "" {
		return Template{}, errors.New("template content is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(ctx); err != nil {
		return Template{}, err
	}
	now := l.now().UTC()
	next := append([]Template(nil), l.templates...)
	idx := -1
	for i := range next {
		if t.ID != "" && next[i].ID == t.ID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		t.CreatedAt = next[idx].CreatedAt
		t.UpdatedAt = now
		next[idx] = t
	} else {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt, t.UpdatedAt = now, now
		next = append(next, t)
	}
	if err := l.kv.Set(ctx, StoreKey, next); err != nil {
		return Template{}, fmt.Errorf("save templates: %w", err)
	}
	l.templates = next
	return t, nil
}

// Delete removes the template with id.
func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(ctx); err != nil {
		return err
	}
	next := make([]Template, 0, len(l.templates))
	for _, t := range l.templates {
		if t.ID != id {
			next = append(next, t)
		}
	}
	if len(next) == len(l.templates) {
		return ErrNotFound
	}
	if err := l.kv.Set(ctx, StoreKey, next); err != nil {
		return fmt.Errorf("save templates: %w", err)
	}
	l.templates = next
	return nil
}

// Search filters by category (exact, when set) and then by a
// case-insensitive match against name, content or any tag.
func (l *Library) Search(ctx context.Context, query, category string) ([]Template, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Template, 0, len(all))
	for _, t := range all {
		if category != "" && t.Category != category {
			continue
		}
		if q != "" && !t.matches(q) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (t Template) matches(q string) bool {
	if strings.Contains(strings.ToLower(t.Name), q) || strings.Contains(strings.ToLower(t.Content), q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// Categories returns the distinct non-empty categories, sorted.
func (l *Library) Categories(ctx context.Context) ([]string, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range all {
		if t.Category != "" && !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

var builtins = map[string]bool{"timestamp": true, "date": true, "time": true}

// Apply substitutes vars into the template, then the built-ins
// {{timestamp}}, {{date}} and {{time}} from now. Unknown placeholders are
// left as written.
func Apply(t Template, vars map[string]string, now time.Time) string {
	return placeholder.ReplaceAllStringFunc(t.Content, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		switch name {
		case "timestamp":
			return now.Format("2006/1/2 15:04:05")
		case "date":
			return now.Format("2006/1/2")
		case "time":
			return now.Format("15:04:05")
		}
		return m
	})
}

// Variables lists the placeholders a caller has to fill, in order of first
// appearance, without the built-ins.
func Variables(t Template) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(t.Content, -1) {
		name := m[1]
		if builtins[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Preview shortens content to max runes, marking the cut with "...".
func Preview(content string, max int) string {
	if max <= 0 {
		max = 100
	}
	r := []rune(content)
	if len(r) <= max {
		return content
	}
	return string(r[:max]) + "..."
}
