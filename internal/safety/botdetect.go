package safety

import (
	"regexp"
	"strings"
)

// Heuristic confidence levels. JID denylist hits are certain; text patterns
// are strong; display-name hints are weak on their own.
const (
	botConfidenceJID     = 1.0
	botConfidencePattern = 0.9
	botConfidenceName    = 0.6
)

// BotVerdict is the detector's classification of one message. IsBot is set
// when Confidence meets the detector's threshold; weaker signals still carry
// a nonzero Confidence so callers can log them.
type BotVerdict struct {
	IsBot      bool
	Confidence float64
	Reason     string
}

// BotDetector flags automated senders so the bot never talks to another bot.
type BotDetector struct {
	denylist  map[string]struct{}
	patterns  []*regexp.Regexp
	nameHints []string
	threshold float64
}

var defaultBotPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)this is an automated (message|response|reply)`),
	regexp.MustCompile(`(?i)do not reply to this message`),
	regexp.MustCompile(`(?i)your (otp|verification code|one[- ]time password) is`),
	regexp.MustCompile(`(?i)\b(unsubscribe|stop to opt.?out)\b`),
	regexp.MustCompile(`(?i)auto[- ]?reply:`),
	regexp.MustCompile(`(?i)thank you for contacting .{0,40}(support|service|team)`),
	regexp.MustCompile(`(?i)press \d+ (for|to)`),
}

var defaultNameHints = []string{"bot", "noreply", "no-reply", "notification", "alerts", "support desk"}

func NewBotDetector(denylist []string, threshold float64) *BotDetector {
	d := &BotDetector{
		denylist:  make(map[string]struct{}, len(denylist)),
		patterns:  defaultBotPatterns,
		nameHints: defaultNameHints,
		threshold: threshold,
	}
	for _, jid := range denylist {
		if jid = strings.TrimSpace(jid); jid != "" {
			d.denylist[jid] = struct{}{}
		}
	}
	return d
}

func (d *BotDetector) Detect(jid, text, displayName string) BotVerdict {
	if _, ok := d.denylist[jid]; ok {
		return d.verdict(botConfidenceJID, "denylisted jid")
	}

	for _, p := range d.patterns {
		if p.MatchString(text) {
			return d.verdict(botConfidencePattern, "automated text pattern")
		}
	}

	name := strings.ToLower(displayName)
	if name != "" {
		for _, hint := range d.nameHints {
			if strings.Contains(name, hint) {
				return d.verdict(botConfidenceName, "display name hint")
			}
		}
	}

	return BotVerdict{}
}

func (d *BotDetector) verdict(confidence float64, reason string) BotVerdict {
	return BotVerdict{IsBot: confidence >= d.threshold, Confidence: confidence, Reason: reason}
}
