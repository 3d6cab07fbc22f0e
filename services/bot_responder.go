package services

import (
	"chat-core/domain"
	"context"
	"strings"
)

// KeywordResponder answers messages whose whole text matches a trigger.
// Matching is case insensitive on the trimmed text.
type KeywordResponder struct {
	replies map[string]string
}

// ParseTriggers reads "trigger=response|trigger=response". Malformed pairs are skipped.
func ParseTriggers(raw string) map[string]string {
	triggers := make(map[string]string)
	for _, pair := range strings.Split(raw, "|") {
		trigger, response, ok := strings.Cut(pair, "=")
		trigger = strings.ToLower(strings.TrimSpace(trigger))
		response = strings.TrimSpace(response)
		if !ok || trigger == "" || response == "" {
			continue
		}
		triggers[trigger] = response
	}
	return triggers
}

func NewKeywordResponder(triggers map[string]string) *KeywordResponder {
	replies := make(map[string]string, len(triggers))
	for trigger, response := range triggers {
		replies[strings.ToLower(strings.TrimSpace(trigger))] = response
	}
	return &KeywordResponder{replies: replies}
}

func (k *KeywordResponder) Respond(_ context.Context, msg domain.Message) (string, bool) {
	if msg.IsSystem() {
		return "", false
	}
	reply, ok := k.replies[strings.ToLower(strings.TrimSpace(msg.Content))]
	return reply, ok
}
