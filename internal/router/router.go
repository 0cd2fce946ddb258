package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/admin"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/cron"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/presence"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/safety"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/session"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

// Brain is the direct-generation slice of the AI client.
type Brain interface {
	Generate(prompt string, opts ai.GenerateOptions) (string, error)
}

// Sessions is the conversational slice of the session cache.
type Sessions interface {
	Reply(contactID, text string, profile session.Profile) (string, error)
	Reset(contactID string) bool
}

// Memory supplies summary context and post-reply compression.
type Memory interface {
	MaybeCompress(contactJID string) (bool, error)
	ContextFor(contactJID string) string
}

// FollowUps analyzes sent replies for commitments.
type FollowUps interface {
	Analyze(contactJID, reply string)
}

// Scheduler registers one-shot reminder jobs for the schedule intent.
type Scheduler interface {
	AddJob(name string, schedule cron.Schedule, payload cron.Payload) (*cron.CronJob, error)
}

var fallbackReplies = []string{
	"Hey, I'm stepping away for a bit, I'll get back to you soon!",
	"Can't talk right now, will reply properly in a while!",
	"I'm tied up at the moment, give me a bit and I'll get back to you.",
}

var greetingReplies = []string{
	"Hey! What's up?",
	"Hi! How's it going?",
	"Hey hey!",
}

// Router runs the per-event pipeline: safety gates, classification,
// suppression, intent dispatch, and the final send. One instance serves all
// contacts; per-contact state lives in the injected components.
type Router struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	store     *store.Store
	brain     Brain
	sessions  Sessions
	memory    Memory
	followups FollowUps
	scheduler Scheduler

	filter   *safety.MessageFilter
	bots     *safety.BotDetector
	loops    *safety.LoopDetector
	rates    *safety.RateLimiter
	presence *presence.Tracker

	// onCommand hands a contact's slash command to the admin collaborator.
	// The router does not reply to commands itself.
	onCommand func(ctx context.Context, ev bus.InboundMessage)
	// simulateTyping, when set, runs before a WhatsApp send.
	simulateTyping func(chatID string, replyLen int)

	pick func(n int) int
	now  func() time.Time
}

type Options struct {
	Config    *config.Config
	Bus       *bus.MessageBus
	Store     *store.Store
	Brain     Brain
	Sessions  Sessions
	Memory    Memory
	FollowUps FollowUps
	Scheduler Scheduler
	Presence  *presence.Tracker
	OnCommand func(ctx context.Context, ev bus.InboundMessage)
	Typing    func(chatID string, replyLen int)
}

func New(opts Options) *Router {
	cfg := opts.Config
	return &Router{
		cfg:       cfg,
		bus:       opts.Bus,
		store:     opts.Store,
		brain:     opts.Brain,
		sessions:  opts.Sessions,
		memory:    opts.Memory,
		followups: opts.FollowUps,
		scheduler: opts.Scheduler,
		filter:    safety.NewMessageFilter(cfg.StaleAfter()),
		bots:      safety.NewBotDetector(cfg.Safety.BotJIDDenylist, cfg.Safety.BotConfidence),
		loops: safety.NewLoopDetector(cfg.Safety.LoopWindow, cfg.Safety.LoopSimilarity,
			cfg.Safety.LoopTieBreak, cfg.LoopHalt()),
		rates:          safety.NewRateLimiter(cfg.Safety.RateLimitMax, cfg.RateLimitWindow()),
		presence:       opts.Presence,
		onCommand:      opts.OnCommand,
		simulateTyping: opts.Typing,
		pick:           rand.Intn,
		now:            time.Now,
	}
}

// Presence exposes the owner-activity tracker for admin overrides.
func (r *Router) Presence() *presence.Tracker { return r.presence }

// ClearSafetyState drops loop and rate state for a contact (admin resume).
func (r *Router) ClearSafetyState(contactID string) {
	r.loops.Clear(contactID)
}

// RateGC expires idle rate windows; run from a maintenance timer.
func (r *Router) RateGC() int { return r.rates.GC() }

// HandleTyping applies the owner's composing pause for a contact.
func (r *Router) HandleTyping(ev bus.TypingEvent) {
	until := r.presence.RecordTyping(ev.ContactID)
	log.Printf("[router] owner typing to %s, paused until %s", ev.ContactID, until.Format(time.Kitchen))
}

// HandleInbound runs one message through the pipeline.
func (r *Router) HandleInbound(ctx context.Context, ev bus.InboundMessage) {
	if ev.IsFromMe {
		// Slash commands from the owner's own phone are control traffic,
		// not replies: hand them off before any presence bookkeeping so a
		// "/status" doesn't suppress the chat it was typed into.
		if admin.IsCommand(ev.Content) {
			if r.onCommand != nil {
				r.onCommand(ctx, ev)
			}
			return
		}
		r.handleOwnerReply(ev)
		return
	}

	if ok, reason := r.filter.Check(ev); !ok {
		log.Printf("[router] filtered message from %s: %s", ev.ContactID, reason)
		return
	}

	verdict := r.bots.Detect(ev.ContactID, ev.Content, ev.DisplayName)
	if verdict.IsBot {
		log.Printf("[router] bot detected %s (%.1f, %s)", ev.ContactID, verdict.Confidence, verdict.Reason)
		r.persistInbound(ev) // keep for audit even though we never reply
		return
	}

	if loop := r.loops.Check(ev.ContactID, ev.Content); loop.Halted {
		if loop.Detected {
			log.Printf("[router] loop detected for %s, halted until %s", ev.ContactID, loop.Until.Format(time.Kitchen))
		}
		r.persistInbound(ev)
		return
	}

	if dec := r.rates.Check(ev.ContactID); !dec.Allowed {
		log.Printf("[router] rate limited %s, retry in %s", ev.ContactID, dec.RetryAfter.Round(time.Second))
		r.persistInbound(ev)
		return
	}

	contact, err := r.store.UpsertContact(ev.ContactID, ev.DisplayName)
	if err != nil {
		log.Printf("[router] upsert contact %s: %v", ev.ContactID, err)
		return
	}

	analysis := r.analyze(ev.Content)

	r.persistInbound(ev)
	if analysis.Mood != "" && analysis.Mood != "neutral" && !isReplay(ev) {
		if err := r.store.SetLastMood(ev.ContactID, analysis.Mood); err != nil {
			log.Printf("[router] set mood for %s: %v", ev.ContactID, err)
		}
		contact.LastMood = analysis.Mood
	}

	if !contact.AutoReply {
		log.Printf("[router] auto-reply disabled for %s", ev.ContactID)
		return
	}
	if r.presence.IsOwnerActive(ev.ContactID) {
		log.Printf("[router] owner active on %s, suppressing", ev.ContactID)
		return
	}

	if analysis.alertWorthy() {
		r.notifyOwner(fmt.Sprintf("%s sounds %s: %q", displayName(contact, ev), analysis.Mood, ev.Content))
	}

	reply, done := r.dispatch(ctx, ev, analysis, contact)
	if done {
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	// The owner may have started typing while the AI call was in flight;
	// their reply wins and ours is dropped.
	if r.presence.IsOwnerActive(ev.ContactID) {
		log.Printf("[router] owner interjected on %s, dropping reply", ev.ContactID)
		return
	}

	r.sendReply(ev, reply, true)
	r.rates.Record(ev.ContactID)
	go r.followups.Analyze(ev.ContactID, reply)
	go func() {
		if _, err := r.memory.MaybeCompress(ev.ContactID); err != nil {
			log.Printf("[router] compress %s: %v", ev.ContactID, err)
		}
	}()

	if r.cfg.Router.ForwardToOwner {
		r.notifyOwner(fmt.Sprintf("%s: %q\nfriday: %q", displayName(contact, ev), ev.Content, reply))
	}
}

// dispatch routes the message by intent. done means the pipeline already
// finished (handed off or intentionally silent).
func (r *Router) dispatch(ctx context.Context, ev bus.InboundMessage, analysis Analysis, contact *store.Contact) (string, bool) {
	switch analysis.Intent {
	case IntentCommand:
		if r.onCommand != nil {
			r.onCommand(ctx, ev)
		}
		return "", true

	case IntentAck:
		// Short acknowledgements don't need an answer.
		return "", true

	case IntentGreeting:
		return greetingReplies[r.pick(len(greetingReplies))], false

	case IntentSchedule:
		return r.handleSchedule(ev), false

	case IntentKnowledge:
		if reply := r.handleKnowledge(ev); reply != "" {
			return reply, false
		}
		// No notes matched; fall through to the full AI reply.
	}

	reply, err := r.sessions.Reply(ev.ContactID, ev.Content, r.buildProfile(contact, ev))
	if err != nil {
		if errors.Is(err, ai.ErrQuotaExhausted) || errors.Is(err, ai.ErrUnavailable) {
			log.Printf("[router] provider down for %s: %v", ev.ContactID, err)
			r.sendReply(ev, fallbackReplies[r.pick(len(fallbackReplies))], true)
			return "", true
		}
		log.Printf("[router] reply for %s: %v", ev.ContactID, err)
		return "", true
	}
	return reply, false
}

const schedulePrompt = `Extract the reminder from this message. Reply with JSON only:
{"in_minutes": <minutes from now>, "text": "<what to remind about>"}

Message: %q`

func (r *Router) handleSchedule(ev bus.InboundMessage) string {
	raw, err := r.brain.Generate(fmt.Sprintf(schedulePrompt, ev.Content), ai.GenerateOptions{
		Temperature: 0.1,
		JSONOutput:  true,
	})
	if err != nil {
		log.Printf("[router] schedule extraction for %s: %v", ev.ContactID, err)
		return "I couldn't set that up right now, sorry. Try again in a bit?"
	}

	parsed := ai.ParseLenient(raw)
	minutes, okM := parsed.Number("in_minutes")
	text, okT := parsed.String("text")
	if parsed.Status == ai.ParseFailed || !okM || !okT || minutes <= 0 || strings.TrimSpace(text) == "" {
		return "When should I remind you, and about what?"
	}

	at := r.now().Add(time.Duration(minutes) * time.Minute)
	_, err = r.scheduler.AddJob("reminder for "+ev.ContactID,
		cron.Schedule{Kind: "at", AtMs: at.UnixMilli()},
		cron.Payload{Kind: "message", Channel: ev.Channel, To: ev.ChatID, Message: "Reminder: " + text},
	)
	if err != nil {
		log.Printf("[router] add reminder job: %v", err)
		return "I couldn't set that up right now, sorry."
	}
	return fmt.Sprintf("Done! I'll remind you at %s: %s", at.Format("15:04"), text)
}

const knowledgePrompt = `Answer the question using only these notes. Keep it to one or two casual sentences. If the notes don't answer it, reply with exactly NO_ANSWER.

Notes:
%s

Question: %q`

func (r *Router) handleKnowledge(ev bus.InboundMessage) string {
	entries, err := r.store.SearchKnowledge(ev.Content, 3)
	if err != nil || len(entries) == 0 {
		return ""
	}

	var notes strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&notes, "- %s: %s\n", e.Topic, e.Content)
	}

	answer, err := r.brain.Generate(fmt.Sprintf(knowledgePrompt, notes.String(), ev.Content), ai.GenerateOptions{Temperature: 0.3})
	if err != nil {
		return ""
	}
	answer = strings.TrimSpace(answer)
	if answer == "" || strings.Contains(answer, "NO_ANSWER") {
		return ""
	}
	return answer
}

func (r *Router) buildProfile(contact *store.Contact, ev bus.InboundMessage) session.Profile {
	var context strings.Builder
	if summary := r.memory.ContextFor(ev.ContactID); summary != "" {
		context.WriteString("Earlier conversation summary: " + summary + "\n")
	}
	if learnings, err := r.store.LearningsFor(ev.ContactID, 5); err == nil && len(learnings) > 0 {
		context.WriteString("Things the owner does with this contact:\n")
		for _, l := range learnings {
			context.WriteString("- " + l.Pattern + "\n")
		}
	}

	return session.Profile{
		DisplayName:       displayName(contact, ev),
		VIPTier:           contact.VIPTier,
		PreferredLanguage: contact.PreferredLanguage,
		LastMood:          contact.LastMood,
		CustomTone:        contact.CustomTone,
		Context:           context.String(),
	}
}

// handleOwnerReply records a manual reply sent from the owner's phone. The
// conversation is theirs until the cooldown runs out.
func (r *Router) handleOwnerReply(ev bus.InboundMessage) {
	until := r.presence.RecordOwnerReply(ev.ContactID)
	log.Printf("[router] owner replied to %s, suppressing until %s", ev.ContactID, until.Format(time.Kitchen))

	// A manual reply to a pending contact message is a style sample worth
	// keeping: future AI replies to this contact see it in their profile.
	if last, err := r.store.LastMessage(ev.ContactID); err == nil && last.IsFromContact && ev.Content != "" {
		if _, err := r.store.InsertLearning(store.Learning{
			ContactJID: ev.ContactID,
			Pattern:    last.Content,
			Reply:      ev.Content,
		}); err != nil {
			log.Printf("[router] record learning: %v", err)
		}
	}

	if _, err := r.store.InsertMessage(store.Message{
		ContactJID:    ev.ContactID,
		Content:       ev.Content,
		ContentType:   ev.ContentType,
		IsFromContact: false,
		IsAIGenerated: false,
	}); err != nil {
		log.Printf("[router] persist owner reply: %v", err)
	}
}

// ResumeSweep hands back conversations the owner looked at but never
// answered. For each expired cooldown whose last stored message is still
// from the contact, the message is replayed through the pipeline once.
func (r *Router) ResumeSweep(ctx context.Context) {
	for _, contactID := range r.presence.Expired() {
		last, err := r.store.LastMessage(contactID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[router] resume sweep %s: %v", contactID, err)
			}
			continue
		}
		if !last.IsFromContact {
			continue // the owner did answer; nothing to do
		}

		log.Printf("[router] resuming %s with unanswered message", contactID)
		r.HandleInbound(ctx, bus.InboundMessage{
			Channel:     "whatsapp",
			ContactID:   contactID,
			ChatID:      contactID,
			Content:     last.Content,
			ContentType: last.ContentType,
			Timestamp:   r.now(),
			Metadata:    map[string]any{"resumed": true},
		})
	}
}

func (r *Router) sendReply(ev bus.InboundMessage, text string, aiGenerated bool) {
	if r.simulateTyping != nil && ev.Channel == "whatsapp" {
		r.simulateTyping(ev.ChatID, len(text))
	}

	r.bus.Outbound <- bus.OutboundMessage{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Content: text,
	}

	if _, err := r.store.InsertMessage(store.Message{
		ContactJID:    ev.ContactID,
		Content:       text,
		ContentType:   "text",
		IsFromContact: false,
		IsAIGenerated: aiGenerated,
	}); err != nil {
		log.Printf("[router] persist outbound for %s: %v", ev.ContactID, err)
	}
}

func (r *Router) persistInbound(ev bus.InboundMessage) {
	if isReplay(ev) {
		return // stored the first time through; the sweep only replays
	}
	if _, err := r.store.InsertMessage(store.Message{
		ContactJID:    ev.ContactID,
		Content:       ev.Content,
		ContentType:   ev.ContentType,
		IsFromContact: true,
		IsAIGenerated: false,
	}); err != nil {
		log.Printf("[router] persist inbound for %s: %v", ev.ContactID, err)
	}
}

// notifyOwner sends a best-effort note to the owner surface.
func (r *Router) notifyOwner(text string) {
	if !r.cfg.Channels.Telegram.Enabled {
		log.Printf("[router] owner note (telegram disabled): %s", text)
		return
	}
	select {
	case r.bus.Outbound <- bus.OutboundMessage{Channel: "telegram", Content: text}:
	default:
		log.Printf("[router] owner notification dropped, outbound full")
	}
}

// isReplay reports whether the event was synthesized by ResumeSweep from an
// already-persisted message.
func isReplay(ev bus.InboundMessage) bool {
	replayed, _ := ev.Metadata["resumed"].(bool)
	return replayed
}

func displayName(contact *store.Contact, ev bus.InboundMessage) string {
	if contact != nil && contact.DisplayName != "" {
		return contact.DisplayName
	}
	if ev.DisplayName != "" {
		return ev.DisplayName
	}
	return ev.ContactID
}
