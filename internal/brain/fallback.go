package brain

import (
	"strings"
	"unicode/utf8"

	"github.com/basket/go-minder/internal/persistence"
)

// Deterministic offline mode: keyword heuristics stand in for the model so
// the pipeline stays exercisable without a provider key. Confidence is kept
// low enough that everything lands in the triage queue rather than
// auto-creating tasks.

var urgentMarkers = []string{"urgent", "asap", "immediately", "right now", "срочно"}

var taskMarkers = []string{"don't forget", "remember to", "you need to", "todo", "make sure"}

var promiseMineMarkers = []string{"i will", "i'll", "i promise", "leave it to me"}

var promiseIncomingMarkers = []string{"will send", "will do", "i'll get back", "by tomorrow", "by friday"}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func fallbackClassify(text string) Classification {
	lower := strings.ToLower(text)
	cls := Classification{
		Type:       TypeInfo,
		Confidence: 30,
		Summary:    summarize(text),
		IsUrgent:   containsAny(lower, urgentMarkers),
	}
	switch {
	case containsAny(lower, taskMarkers):
		cls.Type = string(persistence.TaskTypeTask)
		cls.Confidence = 55
	case containsAny(lower, promiseMineMarkers):
		cls.Type = string(persistence.TaskTypePromiseMine)
		cls.Confidence = 55
	case containsAny(lower, promiseIncomingMarkers):
		cls.Type = string(persistence.TaskTypePromiseIncoming)
		cls.Confidence = 55
	}
	return cls
}

func fallbackRespond(prompt string) Response {
	content := "Assistant offline: no LLM provider configured. Noted: " + summarize(prompt)
	return Response{Content: content}
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	const max = 120
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
