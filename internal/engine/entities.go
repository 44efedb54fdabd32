package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
)

// Entity types found by ExtractEntities.
const (
	EntityEmail = "email"
	EntityURL   = "url"
	EntityDate  = "date"
	EntityMoney = "money"
)

const (
	entityTagPrefix     = "entity:"
	maxEntityValueChars = 80
)

const months = `January|February|March|April|May|June|July|August|September|October|November|December`

var entityPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{EntityEmail, regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{EntityURL, regexp.MustCompile(`https?://[a-zA-Z0-9._~:/?#\[\]@!$&'()*+,;=%-]+`)},
	{EntityDate, regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}\b` +
		`|\b\d{1,2}/\d{1,2}/\d{2,4}\b` +
		`|\b(?:` + months + `)\s+\d{1,2},?\s*\d{4}\b` +
		`|\b\d{1,2}\s+(?:` + months + `)\s+\d{4}\b`)},
	{EntityMoney, regexp.MustCompile(`(?i)[$€£¥]\s*[\d,]+(?:\.\d{1,2})?` +
		`|[\d,]+(?:\.\d{1,2})?\s*(?:USD|EUR|GBP|JPY|CHF|BTC|ETH)\b` +
		`|(?:USD|EUR|GBP|JPY|CHF)\s*[\d,]+(?:\.\d{1,2})?`)},
}

// Entity is a structured value found in memory content.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ExtractEntities finds emails, URLs, dates and money amounts in text, in
// that order, each value once regardless of case.
func ExtractEntities(text string) []Entity {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Entity
	seen := make(map[string]bool)
	for _, p := range entityPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			v := strings.TrimSpace(m)
			switch p.kind {
			case EntityEmail:
				v = strings.ToLower(v)
			case EntityURL:
				v = strings.TrimRight(v, ".,;:")
			}
			key := p.kind + ":" + strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Entity{Type: p.kind, Value: v})
		}
	}
	return out
}

// entityTags renders the entities of text as entity:type:value tags.
func entityTags(text string) []string {
	ents := ExtractEntities(text)
	if len(ents) == 0 {
		return nil
	}
	tags := make([]string, 0, len(ents))
	seen := make(map[string]bool, len(ents))
	for _, ent := range ents {
		v := []rune(strings.ToLower(ent.Value))
		if len(v) > maxEntityValueChars {
			v = v[:maxEntityValueChars]
		}
		tag := entityTagPrefix + ent.Type + ":" + string(v)
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// tagEntities adds entity tags to a freshly stored record. The record is
// already saved, so a failure is only logged.
func (e *Engine) tagEntities(ctx context.Context, agent string, id int64, content string) {
	tags := entityTags(content)
	if len(tags) == 0 {
		return
	}
	if _, _, err := e.DB.AddTags(ctx, agent, id, tags); err != nil {
		log.Warn("entity tagging failed", "agent", agent, "id", id, "error", err)
	}
}

// EntityRef is an entity tag on one record.
type EntityRef struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	MemoryID int64  `json:"memory_id"`
	Tag      string `json:"tag"`
}

// Entities lists the entity tags on the agent's live records, newest record
// first. An empty kind lists every type.
func (e *Engine) Entities(ctx context.Context, agent, kind string, limit int) ([]EntityRef, error) {
	const op = "entities"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	prefix := entityTagPrefix
	if kind != "" {
		switch kind {
		case EntityEmail, EntityURL, EntityDate, EntityMoney:
		default:
			return nil, errs.Validation(op, "unknown entity type %q", kind)
		}
		prefix += kind + ":"
	}
	if limit, err = pageSize(op, limit, MaxPageSize); err != nil {
		return nil, err
	}
	refs, err := e.DB.TagsWithPrefix(ctx, agent, prefix, limit)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	out := make([]EntityRef, 0, len(refs))
	for _, r := range refs {
		parts := strings.SplitN(r.Tag, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, EntityRef{Type: parts[1], Value: parts[2], MemoryID: r.MemoryID, Tag: r.Tag})
	}
	return out, nil
}
