package admin

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
)

const adminSystemPrompt = `You are the control assistant for a personal WhatsApp auto-responder. The owner asks you about their bot, their contacts, and their messages. Answer briefly and concretely. You cannot send messages to contacts; tell the owner to use the bot commands for that.`

// Deps are the control operations the handler can invoke. Everything is a
// function so tests can wire in fakes without standing up the real services.
type Deps struct {
	PauseContact  func(jid string) error
	ResumeContact func(jid string) error
	ResetSessions func() int
	StatusReport  func() string
	AddReminder   func(at time.Time, text string) error
	ResolveFollow func(id string) error
	SearchHistory func(jid, query string) (string, error)
	AddNote       func(topic, content string) error
}

// Handler executes the owner's admin traffic: slash commands directly,
// anything else through the agent runtime.
type Handler struct {
	runtime Runtime
	deps    Deps
}

func NewHandler(runtime Runtime, deps Deps) *Handler {
	return &Handler{runtime: runtime, deps: deps}
}

// IsCommand reports whether text should bypass the normal reply pipeline.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Handle runs one owner request and returns the reply text.
func (h *Handler) Handle(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if IsCommand(text) {
		return h.handleCommand(text)
	}
	return h.handleQuery(ctx, text)
}

func (h *Handler) handleCommand(text string) (string, error) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		return helpText, nil

	case "/pause":
		if len(args) < 1 {
			return "usage: /pause <contact-jid>", nil
		}
		if err := h.deps.PauseContact(args[0]); err != nil {
			return "", fmt.Errorf("pause %s: %w", args[0], err)
		}
		return fmt.Sprintf("auto-reply paused for %s", args[0]), nil

	case "/resume":
		if len(args) < 1 {
			return "usage: /resume <contact-jid>", nil
		}
		if err := h.deps.ResumeContact(args[0]); err != nil {
			return "", fmt.Errorf("resume %s: %w", args[0], err)
		}
		return fmt.Sprintf("auto-reply resumed for %s", args[0]), nil

	case "/reset":
		n := h.deps.ResetSessions()
		return fmt.Sprintf("cleared %d live sessions", n), nil

	case "/status":
		return h.deps.StatusReport(), nil

	case "/remind":
		if len(args) < 2 {
			return "usage: /remind <minutes> <text>", nil
		}
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes <= 0 {
			return "usage: /remind <minutes> <text>", nil
		}
		body := strings.Join(args[1:], " ")
		if err := h.deps.AddReminder(time.Now().Add(time.Duration(minutes)*time.Minute), body); err != nil {
			return "", fmt.Errorf("add reminder: %w", err)
		}
		return fmt.Sprintf("will remind you in %dm: %s", minutes, body), nil

	case "/done":
		if len(args) < 1 {
			return "usage: /done <followup-id>", nil
		}
		if err := h.deps.ResolveFollow(args[0]); err != nil {
			return "", fmt.Errorf("resolve followup: %w", err)
		}
		return "follow-up resolved", nil

	case "/search":
		if len(args) < 2 {
			return "usage: /search <contact-jid> <query>", nil
		}
		result, err := h.deps.SearchHistory(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return "", fmt.Errorf("search history: %w", err)
		}
		return result, nil

	case "/note":
		rest := strings.TrimSpace(strings.TrimPrefix(text, "/note"))
		topic, content, found := strings.Cut(rest, ":")
		if !found || strings.TrimSpace(topic) == "" || strings.TrimSpace(content) == "" {
			return "usage: /note <topic>: <content>", nil
		}
		if err := h.deps.AddNote(strings.TrimSpace(topic), strings.TrimSpace(content)); err != nil {
			return "", fmt.Errorf("add note: %w", err)
		}
		return "noted; the bot can answer from it now", nil
	}

	return fmt.Sprintf("unknown command %s; try /help", cmd), nil
}

func (h *Handler) handleQuery(ctx context.Context, text string) (string, error) {
	if h.runtime == nil {
		return "admin assistant is not configured; set an admin API key", nil
	}

	resp, err := h.runtime.Run(ctx, api.Request{
		Prompt:    text,
		SessionID: "owner-admin",
	})
	if err != nil {
		return "", fmt.Errorf("admin query: %w", err)
	}
	if resp == nil || resp.Result == nil {
		log.Printf("[admin] empty runtime response")
		return "", nil
	}
	return resp.Result.Output, nil
}

// Close releases the underlying runtime.
func (h *Handler) Close() {
	if h.runtime != nil {
		h.runtime.Close()
	}
}

const helpText = `commands:
/pause <jid>    stop auto-replying to a contact
/resume <jid>   hand a contact back to the bot
/reset          clear all live AI sessions
/status         connection, sessions, and safety counters
/remind <m> <t> one-shot reminder in m minutes
/done <id>      mark a follow-up resolved
/search <jid> <q>  search a conversation
/note <topic>: <c> teach the bot a fact it may answer with
anything else is answered by the admin assistant`
