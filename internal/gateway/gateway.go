package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/admin"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/ai"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/channel"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/cron"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/followup"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/memory"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/presence"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/router"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/session"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/store"
)

const defaultPersona = `You are Friday, a personal assistant answering WhatsApp messages on the owner's behalf while they are busy or away.`

// Gateway is the composition root: it owns every service, wires the bus,
// and runs the process loop until a shutdown signal.
type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	store     *store.Store
	aiClient  *ai.Client
	sessions  *session.Cache
	memory    *memory.Manager
	followups *followup.Tracker
	presence  *presence.Tracker
	router    *router.Router
	admin     *admin.Handler
	cron      *cron.Service
	channels  *channel.ChannelManager

	signalChan chan os.Signal // for testing
}

// Options allow test injection.
type Options struct {
	RuntimeFactory admin.RuntimeFactory
	SignalChan     chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	g.bus = bus.NewMessageBus(config.DefaultOutboundBufSize)

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "friday.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	g.aiClient = ai.NewClient(cfg.Provider)
	g.presence = presence.NewTracker(cfg.Cooldown(), cfg.TypingPause())
	g.sessions = session.NewCache(cfg.Session.MaxSessions, cfg.SessionTTL(), g.loadPersona(), g.aiClient)
	g.memory = memory.NewManager(st, g.aiClient, cfg.Memory.CompressAfter, cfg.Memory.KeepRecent,
		cfg.Memory.RetainSummaries, g.sessions.Reset)
	g.followups = followup.NewTracker(st, g.aiClient,
		time.Duration(cfg.FollowUp.DefaultDueHours)*time.Hour, cfg.FollowUp.MaxReminders)

	// Admin runtime via factory (allows injection for testing).
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = admin.DefaultRuntimeFactory
	}
	var rt admin.Runtime
	if cfg.Admin.APIKey != "" {
		rt, err = factory(cfg.Admin, adminPrompt(cfg))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create admin runtime: %w", err)
		}
	}
	g.admin = admin.NewHandler(rt, g.adminDeps())

	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.router = router.New(router.Options{
		Config:    cfg,
		Bus:       g.bus,
		Store:     st,
		Brain:     g.aiClient,
		Sessions:  g.sessions,
		Memory:    g.memory,
		FollowUps: g.followups,
		Scheduler: g.cron,
		Presence:  g.presence,
		OnCommand: g.handleOwnerCommand,
		Typing:    g.typingSimulator(),
	})

	g.signalChan = opts.SignalChan
	return g, nil
}

// loadPersona reads the owner's persona file; a missing file falls back to
// the built-in default so onboarding is optional.
func (g *Gateway) loadPersona() string {
	path := strings.TrimSpace(g.cfg.Owner.PersonaPath)
	if path == "" {
		path = filepath.Join(config.ConfigDir(), "PERSONA.md")
	}
	data, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return defaultPersona
	}
	return string(data)
}

func adminPrompt(cfg *config.Config) string {
	name := cfg.Owner.Name
	if name == "" {
		name = "the owner"
	}
	return fmt.Sprintf("You are the control assistant of a WhatsApp auto-responder belonging to %s. Answer their questions about the bot briefly.", name)
}

// typingSimulator returns the WhatsApp typing hook once the channel exists.
func (g *Gateway) typingSimulator() func(chatID string, replyLen int) {
	return func(chatID string, replyLen int) {
		ch, ok := g.channels.Get("whatsapp")
		if !ok {
			return
		}
		wa, ok := ch.(*channel.WhatsAppChannel)
		if !ok {
			return
		}
		wa.SimulateTyping(chatID, replyLen)
	}
}

func (g *Gateway) adminDeps() admin.Deps {
	return admin.Deps{
		PauseContact: func(jid string) error {
			return g.store.SetAutoReply(jid, false)
		},
		ResumeContact: func(jid string) error {
			if err := g.store.SetAutoReply(jid, true); err != nil {
				return err
			}
			g.presence.ForceResume(jid)
			g.router.ClearSafetyState(jid)
			return nil
		},
		ResetSessions: func() int { return g.sessions.ResetAll() },
		StatusReport:  g.statusReport,
		AddReminder: func(at time.Time, text string) error {
			_, err := g.cron.AddJob("owner reminder",
				cron.Schedule{Kind: "at", AtMs: at.UnixMilli()},
				cron.Payload{Kind: "message", Channel: "telegram", Message: "Reminder: " + text},
			)
			return err
		},
		ResolveFollow: g.followups.Resolve,
		AddNote: func(topic, content string) error {
			_, err := g.store.InsertKnowledge(store.KnowledgeEntry{Topic: topic, Content: content})
			return err
		},
		SearchHistory: func(jid, query string) (string, error) {
			msgs, err := g.store.SearchMessages(jid, query, 10)
			if err != nil {
				return "", err
			}
			if len(msgs) == 0 {
				return "no matches", nil
			}
			var b strings.Builder
			for _, m := range msgs {
				who := "them"
				if !m.IsFromContact {
					who = "you"
				}
				fmt.Fprintf(&b, "[%s] %s: %s\n", time.UnixMilli(m.CreatedAtMs).Format("Jan 2 15:04"), who, m.Content)
			}
			return b.String(), nil
		},
	}
}

func (g *Gateway) statusReport() string {
	var b strings.Builder

	for _, name := range g.channels.EnabledChannels() {
		ready := false
		if ch, ok := g.channels.Get(name); ok {
			ready = ch.IsReady()
		}
		fmt.Fprintf(&b, "%s: ready=%v\n", name, ready)
	}
	fmt.Fprintf(&b, "live sessions: %d\n", g.sessions.Len())
	fmt.Fprintf(&b, "owner-held chats: %d\n", g.presence.ActiveCount())

	if stats, err := g.store.Stats(); err == nil {
		fmt.Fprintf(&b, "contacts: %d, messages: %d, summaries: %d\n", stats.Contacts, stats.Messages, stats.Summaries)
		fmt.Fprintf(&b, "pending follow-ups: %d, knowledge entries: %d\n", stats.PendingFollowUps, stats.KnowledgeEntries)
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleOwnerCommand serves a slash command that arrived over WhatsApp.
// Messages typed on the owner's own phone (IsFromMe) are trusted; for
// anything else only the owner's JID is honored, so a contact typing "/"
// text gets silence.
func (g *Gateway) handleOwnerCommand(ctx context.Context, ev bus.InboundMessage) {
	if !ev.IsFromMe && (g.cfg.Owner.JID == "" || ev.ContactID != g.cfg.Owner.JID) {
		log.Printf("[gateway] ignoring command from non-owner %s", ev.ContactID)
		return
	}
	reply, err := g.admin.Handle(ctx, ev.Content)
	if err != nil {
		log.Printf("[gateway] admin command: %v", err)
		reply = "that didn't work: " + err.Error()
	}
	if reply != "" {
		g.bus.Outbound <- bus.OutboundMessage{Channel: ev.Channel, ChatID: ev.ChatID, Content: reply}
	}
}

// Internal maintenance tasks dispatched by name from cron.
const (
	taskResumeSweep   = "resume-sweep"
	taskSessionSweep  = "session-sweep"
	taskRateGC        = "rate-gc"
	taskFollowupSweep = "followup-sweep"
	taskSummaryPrune  = "summary-prune"
)

func (g *Gateway) runJob(job cron.CronJob) error {
	switch job.Payload.Kind {
	case "internal":
		return g.runInternalTask(job.Payload.Task)
	case "message":
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: job.Payload.Message,
		}
		return nil
	}
	return fmt.Errorf("unknown job payload kind %q", job.Payload.Kind)
}

func (g *Gateway) runInternalTask(task string) error {
	switch task {
	case taskResumeSweep:
		g.router.ResumeSweep(context.Background())
	case taskSessionSweep:
		g.sessions.Sweep()
	case taskRateGC:
		g.router.RateGC()
	case taskFollowupSweep:
		_, _, err := g.followups.Sweep(g.notifyFollowUp)
		return err
	case taskSummaryPrune:
		_, err := g.memory.PruneAll()
		return err
	default:
		return fmt.Errorf("unknown internal task %q", task)
	}
	return nil
}

func (g *Gateway) notifyFollowUp(f store.FollowUp) error {
	text := fmt.Sprintf("Follow-up due: %s (contact %s, id %s)\nReply /done %s when handled.",
		f.Description, f.ContactJID, f.ID, f.ID)
	if g.cfg.Channels.Telegram.Enabled {
		g.bus.Outbound <- bus.OutboundMessage{Channel: "telegram", Content: text}
		return nil
	}
	if g.cfg.Owner.JID != "" {
		g.bus.Outbound <- bus.OutboundMessage{Channel: "whatsapp", ChatID: g.cfg.Owner.JID, Content: text}
		return nil
	}
	log.Printf("[gateway] no owner surface for follow-up %s", f.ID)
	return nil
}

// ensureInternalJobs registers the recurring maintenance timers, skipping
// any that survived in the persisted job store.
func (g *Gateway) ensureInternalJobs() error {
	type spec struct {
		task  string
		every time.Duration
	}
	specs := []spec{
		{taskResumeSweep, time.Duration(g.cfg.Router.ResumeSweepMinutes) * time.Minute},
		{taskSessionSweep, time.Duration(g.cfg.Session.SweepMinutes) * time.Minute},
		{taskRateGC, 10 * time.Minute},
		{taskFollowupSweep, time.Duration(g.cfg.FollowUp.SweepMinutes) * time.Minute},
		{taskSummaryPrune, 24 * time.Hour},
	}

	existing := make(map[string]bool)
	for _, job := range g.cron.ListJobs() {
		if job.Payload.Kind == "internal" {
			existing[job.Payload.Task] = true
		}
	}

	for _, s := range specs {
		if existing[s.task] || s.every <= 0 {
			continue
		}
		_, err := g.cron.AddJob("__internal_"+s.task,
			cron.Schedule{Kind: "every", EveryMs: s.every.Milliseconds()},
			cron.Payload{Kind: "internal", Task: s.task},
		)
		if err != nil {
			return fmt.Errorf("register %s: %w", s.task, err)
		}
	}
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		log.Printf("[gateway] ensure internal jobs warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.ContactID, truncate(msg.Content, 80))
			if msg.Channel == "telegram" {
				g.handleOwnerSurface(ctx, msg)
				continue
			}
			g.router.HandleInbound(ctx, msg)
		case ev := <-g.bus.Typing:
			g.router.HandleTyping(ev)
		case <-ctx.Done():
			return
		}
	}
}

// handleOwnerSurface serves the Telegram control chat: every message there
// is admin traffic, command or free-form.
func (g *Gateway) handleOwnerSurface(ctx context.Context, msg bus.InboundMessage) {
	reply, err := g.admin.Handle(ctx, msg.Content)
	if err != nil {
		log.Printf("[gateway] admin: %v", err)
		reply = "that didn't work: " + err.Error()
	}
	if reply != "" {
		g.bus.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: msg.ChatID, Content: reply}
	}
}

func (g *Gateway) Shutdown() error {
	if g.cron != nil {
		g.cron.Stop()
	}
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	if g.admin != nil {
		g.admin.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	log.Printf("[gateway] stopped")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
