package engine

import (
	"strings"
	"unicode/utf8"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

// Input limits.
const (
	MinContentChars = 3
	MaxContentChars = 4000

	DefaultAgent  = "default"
	maxAgentChars = 64

	maxTagChars      = 100
	MaxTagsPerCall   = 20
	maxSessionChars  = 128
	maxTitleChars    = 500
	MaxBatchSize     = 100
	MaxImportSize    = 500
	MaxPageSize      = 100
	maxTTLHours      = 8760
	maxTraverseDepth = 10
)

// validAgent normalizes an agent id: empty becomes DefaultAgent, anything
// else must be 1..64 chars of [A-Za-z0-9_-].
func validAgent(op, agent string) (string, error) {
	if agent == "" {
		return DefaultAgent, nil
	}
	if len(agent) > maxAgentChars {
		return "", errs.Validation(op, "agent id longer than %d chars", maxAgentChars)
	}
	for _, r := range agent {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return "", errs.Validation(op, "agent id %q has invalid character %q", agent, r)
		}
	}
	return agent, nil
}

// validContent trims content and checks its length in characters.
func validContent(op, content string) (string, error) {
	content = strings.TrimSpace(content)
	n := utf8.RuneCountInString(content)
	if n < MinContentChars {
		return "", errs.Validation(op, "content must be at least %d characters", MinContentChars)
	}
	if n > MaxContentChars {
		return "", errs.Validation(op, "content exceeds %d characters", MaxContentChars)
	}
	return content, nil
}

// validCategory defaults an empty category to general.
func validCategory(op, category string) (string, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return "general", nil
	}
	if !store.ValidCategory(category) {
		return "", errs.Validation(op, "unknown category %q", category)
	}
	return category, nil
}

// validImportance accepts 0 (score automatically) or 1..5.
func validImportance(op string, importance int) error {
	if importance < 0 || importance > 5 {
		return errs.Validation(op, "importance must be between 1 and 5")
	}
	return nil
}

func validTTL(op string, hours int) error {
	if hours < 0 || hours > maxTTLHours {
		return errs.Validation(op, "ttl_hours must be between 1 and %d", maxTTLHours)
	}
	return nil
}

// validLabel lowercases and trims a tag or relation label.
func validLabel(op, kind, label string) (string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "", errs.Validation(op, "%s must not be empty", kind)
	}
	if utf8.RuneCountInString(label) > maxTagChars {
		return "", errs.Validation(op, "%s longer than %d characters", kind, maxTagChars)
	}
	return label, nil
}

// validTags normalizes and deduplicates tags, keeping first-seen order.
func validTags(op string, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, errs.Validation(op, "at least one tag is required")
	}
	if len(tags) > MaxTagsPerCall {
		return nil, errs.Validation(op, "at most %d tags per request", MaxTagsPerCall)
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		label, err := validLabel(op, "tag", t)
		if err != nil {
			return nil, err
		}
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out, nil
}

func validSessionID(op, id string) (string, error) {
	id = strings.TrimSpace(id)
	if utf8.RuneCountInString(id) > maxSessionChars {
		return "", errs.Validation(op, "session id longer than %d characters", maxSessionChars)
	}
	return id, nil
}

func validTitle(op, title string) (string, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleChars {
		return "", errs.Validation(op, "session title longer than %d characters", maxTitleChars)
	}
	return title, nil
}

// pageSize defaults 0 to def and rejects anything outside 1..MaxPageSize.
func pageSize(op string, size, def int) (int, error) {
	if size == 0 {
		return def, nil
	}
	if size < 1 || size > MaxPageSize {
		return 0, errs.Validation(op, "page size must be between 1 and %d", MaxPageSize)
	}
	return size, nil
}

// truncateChars cuts s to at most max characters, ending with "..." when
// anything was dropped.
func truncateChars(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
