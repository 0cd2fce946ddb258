package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
)

// Analysis is the classification of one inbound message.
type Analysis struct {
	Intent        string
	Confidence    float64
	Mood          string
	MoodIntensity float64
	Language      string
}

// Intents the dispatch table routes on.
const (
	IntentCommand   = "command"
	IntentGreeting  = "greeting"
	IntentAck       = "ack"
	IntentSchedule  = "schedule"
	IntentKnowledge = "knowledge"
	IntentGeneral   = "general"
)

var (
	greetingRe = regexp.MustCompile(`(?i)^(hi+|hey+|hello+|yo|sup|hola|good (morning|afternoon|evening|night))[\s!.,?]*$`)
	ackRe      = regexp.MustCompile(`(?i)^(ok+|okay|k|cool|nice|great|th(an)?ks|thank you|lol|haha+|got it|sure|yes|no|yep|nope|np|👍|🙏)[\s!.,]*$`)
)

const analyzePrompt = `Classify this chat message. Reply with JSON only:
{"intent": "schedule"/"knowledge"/"general", "confidence": 0.0-1.0, "mood": "neutral"/"happy"/"sad"/"angry"/"frustrated"/"anxious"/"urgent", "mood_intensity": 0.0-1.0, "language": "<ISO 639-1 code>"}

"schedule" means they are asking to be reminded of something or to set something up at a time.
"knowledge" means they are asking a factual question the owner may have notes about.
Everything else is "general".

Message: %q`

// analyze classifies a message, using regex fast paths for trivial inputs so
// no AI call is spent on "hi" or "ok".
func (r *Router) analyze(text string) Analysis {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "/") {
		return Analysis{Intent: IntentCommand, Confidence: 1, Mood: "neutral"}
	}
	if greetingRe.MatchString(trimmed) {
		return Analysis{Intent: IntentGreeting, Confidence: 1, Mood: "neutral"}
	}
	if ackRe.MatchString(trimmed) {
		return Analysis{Intent: IntentAck, Confidence: 1, Mood: "neutral"}
	}

	raw, err := r.brain.Generate(fmt.Sprintf(analyzePrompt, trimmed), ai.GenerateOptions{
		Temperature: 0.1,
		JSONOutput:  true,
	})
	if err != nil {
		// Classification is advisory; fall back to a neutral general intent
		// and let the reply path handle provider failures itself.
		return Analysis{Intent: IntentGeneral, Mood: "neutral"}
	}

	parsed := ai.ParseLenient(raw)
	if parsed.Status == ai.ParseFailed {
		return Analysis{Intent: IntentGeneral, Mood: "neutral"}
	}

	a := Analysis{Intent: IntentGeneral, Mood: "neutral"}
	if v, ok := parsed.String("intent"); ok {
		switch v {
		case IntentSchedule, IntentKnowledge, IntentGeneral:
			a.Intent = v
		}
	}
	if v, ok := parsed.Number("confidence"); ok {
		a.Confidence = v
	}
	if v, ok := parsed.String("mood"); ok && v != "" {
		a.Mood = v
	}
	if v, ok := parsed.Number("mood_intensity"); ok {
		a.MoodIntensity = v
	}
	if v, ok := parsed.String("language"); ok {
		a.Language = v
	}
	return a
}

// alertWorthy moods at high intensity trigger an owner notification.
var alertMoods = map[string]struct{}{
	"angry": {}, "frustrated": {}, "urgent": {}, "sad": {}, "anxious": {},
}

func (a Analysis) alertWorthy() bool {
	_, ok := alertMoods[a.Mood]
	return ok && a.MoodIntensity >= 0.7
}
