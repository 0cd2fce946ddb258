package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel is the owner's private control surface. Mood alerts,
// follow-up reminders, and admin commands flow through here; contacts never
// see this channel. Only the configured owner chat is accepted.
type TelegramChannel struct {
	BaseChannel
	token       string
	ownerChatID string
	bot         TelegramBot
	proxy       string
	httpClient  *http.Client
	cancel      context.CancelFunc
	botFactory  BotFactory
	ready       bool
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom bot
// factory (for testing).
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.OwnerChatID == "" {
		return nil, fmt.Errorf("telegram owner chat id is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b),
		token:       cfg.Token,
		ownerChatID: cfg.OwnerChatID,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.ready = true
	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != t.ownerChatID {
		log.Printf("[telegram] rejected message from chat %s (%s)", chatID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	t.bus.Inbound <- bus.InboundMessage{
		Channel:     telegramChannelName,
		ContactID:   chatID,
		ChatID:      chatID,
		Content:     content,
		ContentType: "text",
		DisplayName: msg.From.UserName,
		Timestamp:   time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"message_id": msg.MessageID,
		},
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.ready = false
	log.Printf("[telegram] stopped")
	return nil
}

func (t *TelegramChannel) IsReady() bool {
	return t.ready && t.bot != nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.ready = bot != nil
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatStr := msg.ChatID
	if chatStr == "" {
		chatStr = t.ownerChatID
	}
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatStr, err)
	}

	content := msg.Content

	// Telegram caps messages at 4096 chars.
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			if idx := strings.LastIndex(chunk[:maxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
