// Package render turns notification payloads into delivery-ready email bodies.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/taskgarden/mailqueue/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// maxDigestEntries caps how many individual entries a digest body lists.
// The remainder is reported as a count.
const maxDigestEntries = 10

// Entry is one notification line within a rendered body.
type Entry struct {
	Title     string
	Detail    string
	CreatedAt time.Time
}

// Data is the payload for a single-notification body.
type Data struct {
	RecipientName  string
	Entry          Entry
	UnsubscribeURL string
}

// DigestData is the payload for a consolidated digest body.
type DigestData struct {
	RecipientName  string
	Entries        []Entry
	Total          int
	UnsubscribeURL string
}

// digestView is what the digest templates actually execute against.
type digestView struct {
	RecipientName  string
	Entries        []Entry
	Total          int
	Hidden         int
	UnsubscribeURL string
}

// Renderer renders notification bodies from templates.
// The template table is built once at construction and never mutated.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer loads and parses all templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":      titleCase,
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"formatTime": formatTime,
	}

	r := &Renderer{
		templates: make(map[string]*template.Template),
	}

	eventTypes := []string{
		string(domain.EventTypeTaskMatched),
		string(domain.EventTypePaymentReceived),
		string(domain.EventTypeMessageReceived),
	}

	for _, event := range eventTypes {
		for _, variant := range []string{"single", "digest"} {
			name := fmt.Sprintf("%s_%s", event, variant)
			filename := fmt.Sprintf("templates/%s.tmpl", name)

			content, err := templatesFS.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", filename, err)
			}

			tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", name, err)
			}

			r.templates[name] = tmpl
		}
	}

	return r, nil
}

// Render renders a single-notification subject and body.
func (r *Renderer) Render(eventType domain.EventType, data Data) (subject, body string, err error) {
	subject = singleSubject(eventType, data.Entry)

	name := fmt.Sprintf("%s_single", eventType)
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", name, err)
	}

	return subject, strings.TrimSpace(buf.String()), nil
}

// RenderDigest renders a consolidated body summarizing multiple notifications.
// At most maxDigestEntries entries are listed; the rest is reported as a count.
func (r *Renderer) RenderDigest(eventType domain.EventType, data DigestData) (subject, body string, err error) {
	subject = digestSubject(eventType, data.Total)

	name := fmt.Sprintf("%s_digest", eventType)
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", name)
	}

	shown := data.Entries
	if len(shown) > maxDigestEntries {
		shown = shown[:maxDigestEntries]
	}

	total := data.Total
	if total < len(data.Entries) {
		total = len(data.Entries)
	}

	view := digestView{
		RecipientName:  data.RecipientName,
		Entries:        shown,
		Total:          total,
		Hidden:         total - len(shown),
		UnsubscribeURL: data.UnsubscribeURL,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", name, err)
	}

	return subject, strings.TrimSpace(buf.String()), nil
}

func singleSubject(eventType domain.EventType, entry Entry) string {
	switch eventType {
	case domain.EventTypeTaskMatched:
		return fmt.Sprintf("You have a new task match: %s", entry.Title)
	case domain.EventTypePaymentReceived:
		return fmt.Sprintf("Payment received: %s", entry.Title)
	case domain.EventTypeMessageReceived:
		return fmt.Sprintf("New message from %s", entry.Title)
	default:
		return "Notification"
	}
}

func digestSubject(eventType domain.EventType, total int) string {
	switch eventType {
	case domain.EventTypeTaskMatched:
		return fmt.Sprintf("%d new task matches", total)
	case domain.EventTypePaymentReceived:
		return fmt.Sprintf("%d payments received", total)
	case domain.EventTypeMessageReceived:
		return fmt.Sprintf("%d new messages", total)
	default:
		return fmt.Sprintf("%d new notifications", total)
	}
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
