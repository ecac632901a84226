package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/wemdio/lead-scanner/internal/model"
)

const classifySystemPrompt = `You are a strict lead qualification engine. You decide whether a single chat message is a sales lead for a client, judged ONLY against the client's criteria.

Rules:
1. Use only facts present in the message, the author's bio and the channel name. Never invent needs, budgets, roles or intent that are not written there.
2. Interpret the criteria literally. A message that is merely on the same topic is NOT a match; the author must be the one who needs what the criteria describe.
3. Any clause in the criteria that says "do NOT consider", "exclude", "не учитывать", "исключить" or similar is a hard stop: if it applies, is_match is false.
4. Offers of services, job vacancies, resumes, advertisements and selling posts are not leads unless the criteria explicitly ask for them.
5. The reasoning must refer to concrete words from the message (quote them when you can).

Respond with a JSON object only, no prose and no markdown:
{"is_match": <true|false>, "confidence_score": <integer 0-100>, "reasoning": "<one or two sentences>", "matched_criteria": ["<criteria phrase>", ...]}`

const classifyBatchSystemPrompt = `You are a strict lead qualification engine. You receive several chat messages, each with a message_id, and decide for EACH one independently whether it is a sales lead for a client, judged ONLY against the client's criteria.

Rules:
1. Use only facts present in each message, its author's bio and its channel name. Never invent needs, budgets, roles or intent, and never carry facts from one message to another.
2. Interpret the criteria literally. A message that is merely on the same topic is NOT a match; the author must be the one who needs what the criteria describe.
3. Any clause in the criteria that says "do NOT consider", "exclude", "не учитывать", "исключить" or similar is a hard stop: if it applies, is_match is false.
4. Offers of services, job vacancies, resumes, advertisements and selling posts are not leads unless the criteria explicitly ask for them.
5. The reasoning must refer to concrete words from that message (quote them when you can).

Respond with a JSON object only, no prose and no markdown, with exactly one result per input message:
{"results": [{"message_id": <id>, "is_match": <true|false>, "confidence_score": <integer 0-100>, "reasoning": "<one or two sentences>", "matched_criteria": ["<criteria phrase>", ...]}, ...]}`

const verifySystemPrompt = `You are an independent reviewer double-checking another model's lead decision. Most wrong decisions are false positives: vacancies, resumes, people selling or advertising something, and messages that only mention the topic without asking for it.

Approve only if the message author clearly NEEDS what the client's criteria describe, based on the message text itself. When in doubt, reject.

Respond with a JSON object only:
{"verified": <true|false>, "reasoning": "<one sentence explaining the verdict>"}`

const draftSystemPromptTmpl = `%s

Lead context:
- Author: %s
- Original message: "%s"
- Why this is a lead: %s

Task: write the FIRST message to start a conversation with this person.

Requirements:
1. Sound natural and human.
2. Two or three sentences at most.
3. Show that you read their message.
4. Offer help or open the conversation without pressure.
5. Never mention that you are an AI or a bot.
6. Write in the same language as the original message.

Output only the message text, without explanations.`

// messageBlock renders the visible fields of a message for a prompt.
func messageBlock(m model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\n", m.ChatName)
	if m.HasHandle() {
		fmt.Fprintf(&b, "Author: %s\n", m.Handle())
	}
	if bio := strings.TrimSpace(m.Bio); bio != "" {
		fmt.Fprintf(&b, "Author bio: %s\n", bio)
	}
	if !m.Time.IsZero() {
		fmt.Fprintf(&b, "Posted at: %s\n", m.Time.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Message:\n%s\n", m.Text)
	return b.String()
}

func buildClassifyPrompt(m model.Message, criteria string) string {
	return fmt.Sprintf("CLIENT CRITERIA (verbatim):\n%s\n\nMESSAGE TO EVALUATE:\n%s", criteria, messageBlock(m))
}

func buildBatchClassifyPrompt(msgs []model.Message, criteria string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLIENT CRITERIA (verbatim):\n%s\n\nMESSAGES TO EVALUATE (%d):\n", criteria, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n--- message_id: %d ---\n%s", m.ID, messageBlock(m))
	}
	return b.String()
}

func buildVerifyPrompt(m model.Message, cls model.Classification, criteria string) string {
	matched := "(none)"
	if len(cls.MatchedCriteria) > 0 {
		matched = strings.Join(cls.MatchedCriteria, "; ")
	}
	return fmt.Sprintf(
		"CLIENT CRITERIA (verbatim):\n%s\n\nMESSAGE:\n%s\nPRIMARY DECISION: match with confidence %d\nPrimary reasoning: %s\nMatched criteria: %s\n\nIs this really a lead?",
		criteria, messageBlock(m), cls.Confidence, cls.Reasoning, matched,
	)
}

func buildDraftPrompt(m model.Message, cls model.Classification, draftPrompt string) string {
	text := m.Text
	if r := []rune(text); len(r) > 500 {
		text = string(r[:500])
	}
	return fmt.Sprintf(draftSystemPromptTmpl, strings.TrimSpace(draftPrompt), m.AuthorDisplay(), text, cls.Reasoning)
}
