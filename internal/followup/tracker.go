package followup

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

const defaultMaxReminders = 3

const extractionPrompt = `Does the following reply make a promise or commitment that should be followed up on later (e.g. "I'll check and get back to you", "let me ask him tomorrow")?

Reply: %q

Answer with JSON only:
{"has_commitment": true/false, "description": "<what was promised, third person>", "due_hours": <hours until it is due, default 24>, "priority": "low"/"normal"/"high"}`

// Generator is the slice of the AI client the tracker needs.
type Generator interface {
	Generate(prompt string, opts ai.GenerateOptions) (string, error)
}

// Store is the persistence surface for follow-ups.
type Store interface {
	InsertFollowUp(f store.FollowUp) (*store.FollowUp, error)
	OverdueFollowUps(nowMs int64) ([]store.FollowUp, error)
	MarkReminded(id string) error
	SetFollowUpStatus(id, status string) error
}

// Tracker extracts promises from outgoing replies and reminds about them
// once they fall due. An entry reminded maxReminders times without being
// resolved is force-expired instead of reminded again.
type Tracker struct {
	store        Store
	gen          Generator
	dueAfter     time.Duration
	maxReminders int
	now          func() time.Time
}

func NewTracker(st Store, gen Generator, dueAfter time.Duration, maxReminders int) *Tracker {
	if maxReminders <= 0 {
		maxReminders = defaultMaxReminders
	}
	return &Tracker{store: st, gen: gen, dueAfter: dueAfter, maxReminders: maxReminders, now: time.Now}
}

// Analyze classifies one sent reply for an implied commitment and records a
// follow-up when it finds one. Intended to run off the hot path; extraction
// failures are logged and swallowed.
func (t *Tracker) Analyze(contactJID, reply string) {
	raw, err := t.gen.Generate(fmt.Sprintf(extractionPrompt, reply), ai.GenerateOptions{
		Temperature: 0.1,
		JSONOutput:  true,
	})
	if err != nil {
		log.Printf("[followup] extraction failed for %s: %v", contactJID, err)
		return
	}

	parsed := ai.ParseLenient(raw)
	if parsed.Status == ai.ParseFailed {
		log.Printf("[followup] unparseable extraction result for %s", contactJID)
		return
	}
	has, _ := parsed.Bool("has_commitment")
	if !has {
		return
	}

	description, _ := parsed.String("description")
	description = strings.TrimSpace(description)
	if description == "" {
		description = reply
	}
	dueHours, ok := parsed.Number("due_hours")
	if !ok || dueHours <= 0 {
		dueHours = t.dueAfter.Hours()
	}
	priority, _ := parsed.String("priority")

	f, err := t.store.InsertFollowUp(store.FollowUp{
		ContactJID:  contactJID,
		Description: description,
		DueAtMs:     t.now().Add(time.Duration(dueHours * float64(time.Hour))).UnixMilli(),
		Priority:    priority,
	})
	if err != nil {
		log.Printf("[followup] insert failed for %s: %v", contactJID, err)
		return
	}
	log.Printf("[followup] tracked %s for %s (due in %.0fh)", f.ID, contactJID, dueHours)
}

// Sweep visits every overdue unresolved follow-up. Entries still under the
// reminder cap are passed to notify and marked reminded; entries already at
// the cap are expired without another notification.
func (t *Tracker) Sweep(notify func(f store.FollowUp) error) (reminded, expired int, err error) {
	overdue, err := t.store.OverdueFollowUps(t.now().UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("load overdue followups: %w", err)
	}

	for _, f := range overdue {
		if f.RemindedCount >= t.maxReminders {
			if err := t.store.SetFollowUpStatus(f.ID, store.FollowUpExpired); err != nil {
				log.Printf("[followup] expire %s: %v", f.ID, err)
				continue
			}
			expired++
			continue
		}
		if notify != nil {
			if err := notify(f); err != nil {
				log.Printf("[followup] notify for %s: %v", f.ID, err)
				continue
			}
		}
		if err := t.store.MarkReminded(f.ID); err != nil {
			log.Printf("[followup] mark reminded %s: %v", f.ID, err)
			continue
		}
		reminded++
	}
	if reminded > 0 || expired > 0 {
		log.Printf("[followup] sweep: %d reminded, %d expired", reminded, expired)
	}
	return reminded, expired, nil
}

// Resolve marks a follow-up as handled.
func (t *Tracker) Resolve(id string) error {
	return t.store.SetFollowUpStatus(id, store.FollowUpResolved)
}
