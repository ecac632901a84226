package delivery

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/pkg/telegram"
)

// Payload is the structured lead record handed to an outbound channel. The
// core supplies fields only; each channel renders them its own way.
type Payload struct {
	LeadID          string    `json:"lead_id"`
	TenantID        string    `json:"tenant_id"`
	MessageID       int64     `json:"message_id"`
	AuthorDisplay   string    `json:"author"`
	AuthorHandle    string    `json:"author_handle"`
	Bio             string    `json:"bio,omitempty"`
	ChatName        string    `json:"chat_name"`
	MessageTime     time.Time `json:"message_time"`
	Text            string    `json:"message"`
	Link            string    `json:"message_link,omitempty"`
	Confidence      int       `json:"confidence_score"`
	Reasoning       string    `json:"reasoning"`
	MatchedCriteria []string  `json:"matched_criteria"`
	Draft           string    `json:"draft,omitempty"`
}

// NewPayload assembles a payload from a stored lead and its source message.
// Authors without a public handle get model.RedactedHandle.
func NewPayload(lead model.DetectedLead, msg model.Message, draft string) Payload {
	return Payload{
		LeadID:          lead.ID,
		TenantID:        lead.TenantID,
		MessageID:       msg.ID,
		AuthorDisplay:   msg.AuthorDisplay(),
		AuthorHandle:    msg.Handle(),
		Bio:             strings.TrimSpace(msg.Bio),
		ChatName:        msg.ChatName,
		MessageTime:     msg.Time,
		Text:            msg.Text,
		Link:            msg.Link,
		Confidence:      lead.Confidence,
		Reasoning:       lead.Reasoning,
		MatchedCriteria: lead.MatchedCriteria,
		Draft:           draft,
	}
}

const (
	maxBodyRunes  = 2000
	maxDraftRunes = 1000
)

// RenderHTML formats the payload as a Telegram HTML card.
func RenderHTML(p Payload) string {
	var b strings.Builder

	fmt.Fprintf(&b, "🎯 <b>New lead</b> · %d%%\n\n", p.Confidence)
	fmt.Fprintf(&b, "👤 <b>%s</b> (%s)\n", esc(p.AuthorDisplay), esc(p.AuthorHandle))
	if p.Bio != "" {
		fmt.Fprintf(&b, "<i>%s</i>\n", esc(truncate(p.Bio, 300)))
	}
	fmt.Fprintf(&b, "💬 %s", esc(p.ChatName))
	if !p.MessageTime.IsZero() {
		fmt.Fprintf(&b, " · %s", p.MessageTime.UTC().Format("2006-01-02 15:04 UTC"))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", esc(truncate(p.Text, maxBodyRunes)))
	if p.Link != "" {
		fmt.Fprintf(&b, "<a href=\"%s\">Open message</a>\n", esc(p.Link))
	}

	fmt.Fprintf(&b, "\n🧠 %s\n", esc(p.Reasoning))
	if len(p.MatchedCriteria) > 0 {
		fmt.Fprintf(&b, "✅ %s\n", esc(strings.Join(p.MatchedCriteria, ", ")))
	}

	if p.Draft != "" {
		fmt.Fprintf(&b, "\n✍️ <b>Draft</b>\n<code>%s</code>\n", esc(truncate(p.Draft, maxDraftRunes)))
	}

	out := b.String()
	if utf8.RuneCountInString(out) > telegram.MaxMessageLength {
		// Markup could be cut mid-tag; fall back to plain text.
		return truncate(RenderText(p), telegram.MaxMessageLength)
	}
	return out
}

// RenderText formats the payload without markup.
func RenderText(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New lead (%d%%)\n", p.Confidence)
	fmt.Fprintf(&b, "%s %s\n", p.AuthorDisplay, p.AuthorHandle)
	fmt.Fprintf(&b, "%s\n\n%s\n\n%s\n", p.ChatName, p.Text, p.Reasoning)
	if p.Draft != "" {
		fmt.Fprintf(&b, "\nDraft:\n%s\n", p.Draft)
	}
	return b.String()
}

func esc(s string) string {
	return html.EscapeString(s)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
