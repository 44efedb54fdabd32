package engine

import (
	"strings"
	"unicode"
)

// categoryBaseline is the starting importance per category.
var categoryBaseline = map[string]int{
	"general":    1,
	"preference": 4,
	"decision":   4,
	"finance":    3,
	"trading":    3,
	"project":    3,
	"task":       2,
	"person":     2,
}

const defaultBaseline = 2

// keywordLevels maps an importance level to the words and phrases that
// signal it, English and Italian.
var keywordLevels = []struct {
	level int
	words []string
}{
	{5, []string{
		"password", "token", "secret", "api key", "private key", "credential", "credentials",
		"urgent", "critical", "never", "always",
		"chiave", "chiave api", "chiave privata", "segreto", "credenziali", "urgente", "critico",
		"mai", "sempre",
	}},
	{4, []string{
		"decision", "important", "priority", "deadline", "payment", "debt", "must", "do not",
		"decisione", "importante", "priorità", "scadenza", "pagamento", "debito",
		"errore critico", "bug critico", "non fare", "regola",
	}},
	{3, []string{
		"project", "strategy", "goal", "config", "server", "deploy", "architecture",
		"progetto", "strategia", "obiettivo", "configurazione", "produzione", "architettura",
	}},
	{2, []string{
		"note", "reminder", "consider",
		"nota", "appunto", "promemoria", "considerare",
	}},
}

// longContentWords is the word count above which content earns +1.
const longContentWords = 60

// Score rates content from 1 to 5 without any I/O. The result is the higher
// of the category baseline and the strongest keyword signal, plus one for
// long content, clamped to [1, 5].
func Score(content, category string) int {
	score, ok := categoryBaseline[category]
	if !ok {
		score = defaultBaseline
	}

	padded := " " + strings.Join(words(content), " ") + " "
	for _, kl := range keywordLevels {
		if kl.level <= score {
			break
		}
		if containsAny(padded, kl.words) {
			score = kl.level
			break
		}
	}

	if len(strings.Fields(content)) > longContentWords {
		score++
	}
	return clampImportance(score)
}

// words lowercases text and splits it on anything that is not a letter or
// digit, so keywords match on whole-word boundaries.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsAny(padded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func clampImportance(i int) int {
	if i < 1 {
		return 1
	}
	if i > 5 {
		return 5
	}
	return i
}
