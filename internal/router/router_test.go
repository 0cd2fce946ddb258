package router

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/cron"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/presence"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/session"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

type mockBrain struct {
	generateFn func(prompt string, opts ai.GenerateOptions) (string, error)
	calls      int
}

func (m *mockBrain) Generate(prompt string, opts ai.GenerateOptions) (string, error) {
	m.calls++
	if m.generateFn != nil {
		return m.generateFn(prompt, opts)
	}
	return `{"intent": "general", "confidence": 0.9, "mood": "neutral", "mood_intensity": 0.0, "language": "en"}`, nil
}

type mockSessions struct {
	replyFn func(contactID, text string, profile session.Profile) (string, error)
	calls   int
}

func (m *mockSessions) Reply(contactID, text string, profile session.Profile) (string, error) {
	m.calls++
	if m.replyFn != nil {
		return m.replyFn(contactID, text, profile)
	}
	return "sure thing!", nil
}

func (m *mockSessions) Reset(string) bool { return true }

type mockMemory struct{}

func (mockMemory) MaybeCompress(string) (bool, error) { return false, nil }
func (mockMemory) ContextFor(string) string           { return "" }

type mockFollowUps struct{}

func (mockFollowUps) Analyze(string, string) {}

type mockScheduler struct {
	jobs []cron.CronJob
}

func (m *mockScheduler) AddJob(name string, sched cron.Schedule, payload cron.Payload) (*cron.CronJob, error) {
	job := cron.NewCronJob(name, sched, payload)
	m.jobs = append(m.jobs, job)
	return &job, nil
}

type fixture struct {
	router    *Router
	bus       *bus.MessageBus
	store     *store.Store
	brain     *mockBrain
	sessions  *mockSessions
	scheduler *mockScheduler
	presence  *presence.Tracker
	cfg       *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.NewMessageBus(50)
	brain := &mockBrain{}
	sessions := &mockSessions{}
	scheduler := &mockScheduler{}
	tracker := presence.NewTracker(cfg.Cooldown(), cfg.TypingPause())

	r := New(Options{
		Config:    cfg,
		Bus:       b,
		Store:     st,
		Brain:     brain,
		Sessions:  sessions,
		Memory:    mockMemory{},
		FollowUps: mockFollowUps{},
		Scheduler: scheduler,
		Presence:  tracker,
	})
	r.pick = func(int) int { return 0 }

	return &fixture{router: r, bus: b, store: st, brain: brain, sessions: sessions, scheduler: scheduler, presence: tracker, cfg: cfg}
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:     "whatsapp",
		ContactID:   "alice@s.whatsapp.net",
		ChatID:      "alice@s.whatsapp.net",
		Content:     content,
		ContentType: "text",
		DisplayName: "Alice",
		Timestamp:   time.Now(),
	}
}

func (f *fixture) drainOutbound(t *testing.T) []bus.OutboundMessage {
	t.Helper()
	var out []bus.OutboundMessage
	for {
		select {
		case msg := <-f.bus.Outbound:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestGreetingFastPathNoAICall(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleInbound(context.Background(), inbound("hi"))

	if f.brain.calls != 0 || f.sessions.calls != 0 {
		t.Fatalf("greeting should not hit the provider (brain=%d sessions=%d)", f.brain.calls, f.sessions.calls)
	}
	out := f.drainOutbound(t)
	if len(out) != 1 || out[0].Content != greetingReplies[0] {
		t.Fatalf("outbound = %+v", out)
	}

	// Stored as inbound + outbound.
	msgs, err := f.store.RecentMessages("alice@s.whatsapp.net", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || !msgs[0].IsFromContact || msgs[1].IsFromContact || !msgs[1].IsAIGenerated {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestGeneralIntentRepliesViaSession(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleInbound(context.Background(), inbound("can you make it to dinner on friday?"))

	if f.sessions.calls != 1 {
		t.Fatalf("session calls = %d, want 1", f.sessions.calls)
	}
	out := f.drainOutbound(t)
	if len(out) != 1 || out[0].Content != "sure thing!" {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestHaltedContactGetsNoReplyButIsPersisted(t *testing.T) {
	f := newFixture(t, nil)

	// Three identical messages trigger the loop halt; drain the replies the
	// first two produced.
	for i := 0; i < 3; i++ {
		f.router.HandleInbound(context.Background(), inbound("where is my refund where is my refund"))
	}
	f.drainOutbound(t)
	aiCallsBefore := f.sessions.calls

	f.router.HandleInbound(context.Background(), inbound("hello?? anyone there"))

	if f.sessions.calls != aiCallsBefore {
		t.Fatal("halted contact reached the AI")
	}
	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("halted contact got a reply: %+v", out)
	}

	last, err := f.store.LastMessage("alice@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if !last.IsFromContact || last.IsAIGenerated || last.Content != "hello?? anyone there" {
		t.Fatalf("last stored = %+v", last)
	}
}

func TestBotMessagePersistedWithoutReply(t *testing.T) {
	f := newFixture(t, nil)

	ev := inbound("This is an automated message. Do not reply.")
	f.router.HandleInbound(context.Background(), ev)

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("bot got a reply: %+v", out)
	}
	last, err := f.store.LastMessage("alice@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if !last.IsFromContact {
		t.Fatalf("bot message not kept for audit: %+v", last)
	}
}

func TestRateLimitStopsReplies(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Safety.RateLimitMax = 2
	})

	texts := []string{
		"what are you doing this weekend",
		"also did you see the game last night",
		"and one more thing about the project",
	}
	for _, txt := range texts {
		f.router.HandleInbound(context.Background(), inbound(txt))
	}

	out := f.drainOutbound(t)
	if len(out) != 2 {
		t.Fatalf("replies = %d, want max 2", len(out))
	}
	// All three inbounds are persisted regardless.
	count, _ := f.store.CountMessages("alice@s.whatsapp.net")
	if count != 5 { // 3 inbound + 2 outbound
		t.Fatalf("stored = %d, want 5", count)
	}
}

func TestQuotaExhaustionSendsCannedFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.replyFn = func(string, string, session.Profile) (string, error) {
		return "", ai.ErrQuotaExhausted
	}

	f.router.HandleInbound(context.Background(), inbound("tell me everything about your week"))

	out := f.drainOutbound(t)
	if len(out) != 1 || out[0].Content != fallbackReplies[0] {
		t.Fatalf("outbound = %+v", out)
	}
	last, _ := f.store.LastMessage("alice@s.whatsapp.net")
	if last.IsFromContact || !last.IsAIGenerated {
		t.Fatalf("fallback not stored as outbound: %+v", last)
	}
}

func TestAutoReplyDisabledSuppresses(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.store.UpsertContact("alice@s.whatsapp.net", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetAutoReply("alice@s.whatsapp.net", false); err != nil {
		t.Fatal(err)
	}

	f.router.HandleInbound(context.Background(), inbound("you there?"))

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("paused contact got a reply: %+v", out)
	}
	// Still persisted.
	if count, _ := f.store.CountMessages("alice@s.whatsapp.net"); count != 1 {
		t.Fatal("suppressed inbound not persisted")
	}
}

func TestOwnerReplySuppressesThenResumeSweepAnswersOnce(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		// Short cooldown so the test can wait it out in real time.
		cfg.Presence.CooldownMinutes = 1
	})
	// Swap in a tracker with a tiny cooldown.
	short := presence.NewTracker(50*time.Millisecond, 20*time.Millisecond)
	f.router.presence = short

	// Owner answers Alice from their phone.
	ownerEv := inbound("I'll call you in 10")
	ownerEv.IsFromMe = true
	f.router.HandleInbound(context.Background(), ownerEv)

	// Alice writes again inside the cooldown: suppressed.
	f.router.HandleInbound(context.Background(), inbound("ok but what about saturday?"))
	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("suppression window ignored: %+v", out)
	}

	// Cooldown expires with Alice's message still unanswered.
	time.Sleep(70 * time.Millisecond)
	f.router.ResumeSweep(context.Background())

	out := f.drainOutbound(t)
	if len(out) != 1 {
		t.Fatalf("resume sweep replies = %d, want exactly 1", len(out))
	}

	// The next sweep finds nothing: the entry was removed.
	f.router.ResumeSweep(context.Background())
	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("second sweep replied again: %+v", out)
	}
}

func TestOwnerReplyRecordsLearning(t *testing.T) {
	f := newFixture(t, nil)

	// Contact is on manual: their question lands unanswered, then the
	// owner answers it from their phone.
	f.store.UpsertContact("alice@s.whatsapp.net", "Alice")
	f.store.SetAutoReply("alice@s.whatsapp.net", false)
	f.router.HandleInbound(context.Background(), inbound("what time do you hit the gym?"))
	f.drainOutbound(t)

	ownerEv := inbound("7am sharp, every weekday")
	ownerEv.IsFromMe = true
	f.router.HandleInbound(context.Background(), ownerEv)

	got, err := f.store.LearningsFor("alice@s.whatsapp.net", 5)
	if err != nil {
		t.Fatalf("LearningsFor: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("learnings = %d, want 1", len(got))
	}
	if got[0].Pattern != "what time do you hit the gym?" || got[0].Reply != "7am sharp, every weekday" {
		t.Errorf("learning = %+v", got[0])
	}

	// A second owner message in a row pairs with nothing new.
	second := inbound("also weekends sometimes")
	second.IsFromMe = true
	f.router.HandleInbound(context.Background(), second)
	got, _ = f.store.LearningsFor("alice@s.whatsapp.net", 5)
	if len(got) != 1 {
		t.Errorf("back-to-back owner messages must not add learnings, got %d", len(got))
	}
}

func TestResumeSweepSkipsAnsweredConversations(t *testing.T) {
	f := newFixture(t, nil)
	short := presence.NewTracker(30*time.Millisecond, 10*time.Millisecond)
	f.router.presence = short

	// Contact writes, owner answers: the last stored message is the owner's.
	f.router.HandleInbound(context.Background(), inbound("lunch?"))
	f.drainOutbound(t)
	ownerEv := inbound("yes, 1pm!")
	ownerEv.IsFromMe = true
	f.router.HandleInbound(context.Background(), ownerEv)

	time.Sleep(50 * time.Millisecond)
	f.router.ResumeSweep(context.Background())
	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("sweep replied to an answered conversation: %+v", out)
	}
}

func TestInterjectionDropsInFlightReply(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.replyFn = func(contactID, _ string, _ session.Profile) (string, error) {
		// Owner starts handling the chat while the AI call is in flight.
		f.presence.RecordOwnerReply(contactID)
		return "generated too late", nil
	}

	f.router.HandleInbound(context.Background(), inbound("are you free tomorrow evening?"))

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("in-flight reply not dropped: %+v", out)
	}
}

func TestScheduleIntentCreatesOneShotJob(t *testing.T) {
	f := newFixture(t, nil)
	f.brain.generateFn = func(prompt string, _ ai.GenerateOptions) (string, error) {
		if strings.Contains(prompt, "Classify") {
			return `{"intent": "schedule", "confidence": 0.9, "mood": "neutral", "mood_intensity": 0, "language": "en"}`, nil
		}
		return `{"in_minutes": 45, "text": "call the dentist"}`, nil
	}

	f.router.HandleInbound(context.Background(), inbound("remind me to call the dentist in 45 minutes"))

	if len(f.scheduler.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(f.scheduler.jobs))
	}
	job := f.scheduler.jobs[0]
	if job.Schedule.Kind != "at" || job.Payload.Message != "Reminder: call the dentist" || job.Payload.To != "alice@s.whatsapp.net" {
		t.Fatalf("job = %+v", job)
	}
	out := f.drainOutbound(t)
	if len(out) != 1 || !strings.Contains(out[0].Content, "call the dentist") {
		t.Fatalf("confirmation = %+v", out)
	}
}

func TestKnowledgeIntentAnswersFromNotes(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.store.UpsertContact("alice@s.whatsapp.net", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.InsertKnowledge(store.KnowledgeEntry{Topic: "wifi password", Content: "hunter2-guest"}); err != nil {
		t.Fatal(err)
	}
	f.brain.generateFn = func(prompt string, _ ai.GenerateOptions) (string, error) {
		if strings.Contains(prompt, "Classify") {
			return `{"intent": "knowledge", "confidence": 0.9, "mood": "neutral", "mood_intensity": 0, "language": "en"}`, nil
		}
		return "It's hunter2-guest!", nil
	}

	f.router.HandleInbound(context.Background(), inbound("what's the wifi password at your place?"))

	if f.sessions.calls != 0 {
		t.Fatal("knowledge hit should not fall through to the session")
	}
	out := f.drainOutbound(t)
	if len(out) != 1 || out[0].Content != "It's hunter2-guest!" {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestCommandHandsOffWithoutReply(t *testing.T) {
	f := newFixture(t, nil)
	var handed []string
	f.router.onCommand = func(_ context.Context, ev bus.InboundMessage) {
		handed = append(handed, ev.Content)
	}

	f.router.HandleInbound(context.Background(), inbound("/status"))

	if len(handed) != 1 || handed[0] != "/status" {
		t.Fatalf("handed = %v", handed)
	}
	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("command produced a pipeline reply: %+v", out)
	}
}

func TestOwnerSlashCommandHandsOffWithoutSuppressing(t *testing.T) {
	f := newFixture(t, nil)
	var handed []string
	f.router.onCommand = func(_ context.Context, ev bus.InboundMessage) {
		handed = append(handed, ev.Content)
	}

	// The owner types "/status" into Alice's chat from their own phone.
	ev := inbound("/status")
	ev.IsFromMe = true
	f.router.HandleInbound(context.Background(), ev)

	if len(handed) != 1 || handed[0] != "/status" {
		t.Fatalf("handed = %v, want the command delivered", handed)
	}
	// Control traffic is not a manual reply: no cooldown, no stored
	// message, no learning.
	if f.presence.IsOwnerActive("alice@s.whatsapp.net") {
		t.Fatal("command started an owner cooldown")
	}
	if count, _ := f.store.CountMessages("alice@s.whatsapp.net"); count != 0 {
		t.Fatalf("command persisted as a message, count = %d", count)
	}
	if got, _ := f.store.LearningsFor("alice@s.whatsapp.net", 5); len(got) != 0 {
		t.Fatalf("command recorded a learning: %+v", got)
	}

	// A normal owner reply afterwards still suppresses as before.
	reply := inbound("on my way")
	reply.IsFromMe = true
	f.router.HandleInbound(context.Background(), reply)
	if !f.presence.IsOwnerActive("alice@s.whatsapp.net") {
		t.Fatal("plain owner reply no longer suppresses")
	}
}

func TestResumeSweepDoesNotRepersistReplayedMessage(t *testing.T) {
	f := newFixture(t, nil)
	short := presence.NewTracker(50*time.Millisecond, 20*time.Millisecond)
	f.router.presence = short

	ownerEv := inbound("give me a sec")
	ownerEv.IsFromMe = true
	f.router.HandleInbound(context.Background(), ownerEv)

	f.router.HandleInbound(context.Background(), inbound("are we still on for tonight?"))
	f.drainOutbound(t)

	time.Sleep(70 * time.Millisecond)
	f.router.ResumeSweep(context.Background())
	if out := f.drainOutbound(t); len(out) != 1 {
		t.Fatalf("sweep replies = %d, want 1", len(out))
	}

	// Owner reply + contact message + sweep reply. The replayed contact
	// message must not be stored a second time.
	count, err := f.store.CountMessages("alice@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("stored = %d, want 3", count)
	}
	msgs, _ := f.store.RecentMessages("alice@s.whatsapp.net", 10)
	unanswered := 0
	for _, msg := range msgs {
		if msg.Content == "are we still on for tonight?" {
			unanswered++
		}
	}
	if unanswered != 1 {
		t.Fatalf("contact message stored %d times, want 1", unanswered)
	}
}

func TestMoodAlertNotifiesOwner(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.OwnerChatID = "42"
	})
	f.brain.generateFn = func(prompt string, _ ai.GenerateOptions) (string, error) {
		return `{"intent": "general", "confidence": 0.8, "mood": "angry", "mood_intensity": 0.9, "language": "en"}`, nil
	}

	f.router.HandleInbound(context.Background(), inbound("this is completely unacceptable, I am furious"))

	out := f.drainOutbound(t)
	var alert, reply bool
	for _, msg := range out {
		if msg.Channel == "telegram" && strings.Contains(msg.Content, "angry") {
			alert = true
		}
		if msg.Channel == "whatsapp" {
			reply = true
		}
	}
	if !alert || !reply {
		t.Fatalf("alert=%v reply=%v out=%+v", alert, reply, out)
	}

	// The mood is remembered on the profile.
	contact, err := f.store.GetContact("alice@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if contact.LastMood != "angry" {
		t.Fatalf("last mood = %q", contact.LastMood)
	}
}

func TestNotifyOwnerLogsWhenTelegramDisabled(t *testing.T) {
	f := newFixture(t, nil) // telegram off by default in the fixture

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	f.router.notifyOwner("Alice sounds angry")

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("alert sent with telegram disabled: %+v", out)
	}
	if !strings.Contains(buf.String(), "Alice sounds angry") {
		t.Fatalf("alert not logged, log = %q", buf.String())
	}
}

func TestGroupAndStaleMessagesFiltered(t *testing.T) {
	f := newFixture(t, nil)

	group := inbound("hello everyone")
	group.IsGroup = true
	f.router.HandleInbound(context.Background(), group)

	stale := inbound("old news")
	stale.Timestamp = time.Now().Add(-time.Hour)
	f.router.HandleInbound(context.Background(), stale)

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("filtered messages got replies: %+v", out)
	}
	if count, _ := f.store.CountMessages("alice@s.whatsapp.net"); count != 0 {
		t.Fatal("filtered messages should not be persisted")
	}
}

func TestAckGetsNoReply(t *testing.T) {
	f := newFixture(t, nil)

	f.router.HandleInbound(context.Background(), inbound("ok thanks"))

	if out := f.drainOutbound(t); len(out) != 0 {
		t.Fatalf("ack got a reply: %+v", out)
	}
	if f.brain.calls != 0 {
		t.Fatal("ack fast path hit the provider")
	}
}
