package channel

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/bus"
	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"

	_ "modernc.org/sqlite"
)

const whatsappChannelName = "whatsapp"

const (
	whatsappSendTimeout = 30 * time.Second
	// Rough typing speed used by SimulateTyping: ~40ms per character,
	// clamped so long replies do not stall the pipeline.
	typingMsPerChar  = 40
	typingMaxSimulat = 6 * time.Second

	maxReconnectAttempts = 10
	reconnectBaseDelay   = 2 * time.Second
	reconnectMaxDelay    = 2 * time.Minute
)

// WhatsAppChannel runs the paired companion session. It publishes every
// message event on the bus, including the owner's own sends (IsFromMe),
// which the presence tracker uses to detect manual takeover. Peer chats the
// owner is composing in surface as TypingEvents.
type WhatsAppChannel struct {
	BaseChannel
	cfg            config.WhatsAppConfig
	client         *whatsmeow.Client
	storeContainer *sqlstore.Container
	ctx            context.Context
	cancel         context.CancelFunc
	handlerID      uint32
	reconnecting   atomic.Bool
}

func NewWhatsApp(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*WhatsAppChannel, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}

	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(context.Background(), "sqlite", storeDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Noop)

	ch := &WhatsAppChannel{
		BaseChannel:    NewBaseChannel(whatsappChannelName, msgBus),
		cfg:            cfg,
		client:         client,
		storeContainer: container,
	}
	ch.handlerID = ch.client.AddEventHandler(ch.handleEvent)

	return ch, nil
}

func (w *WhatsAppChannel) Name() string {
	return whatsappChannelName
}

func (w *WhatsAppChannel) Start(ctx context.Context) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.ctx = ctx

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			w.cancel()
			return fmt.Errorf("get whatsapp qr channel: %w", err)
		}
		go w.consumeQR(ctx, qrChan)
	}

	if err := w.client.Connect(); err != nil {
		w.cancel()
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	go func() {
		<-ctx.Done()
		w.client.Disconnect()
	}()

	log.Printf("[whatsapp] connected")
	return nil
}

func (w *WhatsAppChannel) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}

	if w.client != nil {
		if w.handlerID != 0 {
			w.client.RemoveEventHandler(w.handlerID)
			w.handlerID = 0
		}
		w.client.Disconnect()
	}

	if w.storeContainer != nil {
		if err := w.storeContainer.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.storeContainer = nil
	}

	log.Printf("[whatsapp] stopped")
	return nil
}

func (w *WhatsAppChannel) IsReady() bool {
	return w.client != nil && w.client.IsConnected() && w.client.IsLoggedIn()
}

func (w *WhatsAppChannel) Send(msg bus.OutboundMessage) error {
	if w.client == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}

	chatJID, err := parseWhatsAppJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", msg.ChatID, err)
	}

	if len(msg.Media) > 0 {
		return w.sendMedia(chatJID, msg)
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), whatsappSendTimeout)
	defer cancel()

	_, err = w.client.SendMessage(ctx, chatJID, &waE2E.Message{
		Conversation: proto.String(content),
	})
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}

	return nil
}

func (w *WhatsAppChannel) sendMedia(chatJID types.JID, msg bus.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), whatsappSendTimeout)
	defer cancel()

	mediaType := whatsmeow.MediaImage
	if msg.AsVoice {
		mediaType = whatsmeow.MediaAudio
	}
	uploaded, err := w.client.Upload(ctx, msg.Media, mediaType)
	if err != nil {
		return fmt.Errorf("upload whatsapp media: %w", err)
	}

	var wireMsg *waE2E.Message
	if msg.AsVoice {
		wireMsg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(msg.MimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			PTT:           proto.Bool(true),
		}}
	} else {
		wireMsg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(msg.MimeType),
			Caption:       proto.String(msg.Content),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}
	}

	if _, err := w.client.SendMessage(ctx, chatJID, wireMsg); err != nil {
		return fmt.Errorf("send whatsapp media: %w", err)
	}
	return nil
}

// SimulateTyping shows a composing indicator sized to the reply length, so
// instant AI responses read like a human typing.
func (w *WhatsAppChannel) SimulateTyping(chatID string, replyLen int) {
	chatJID, err := parseWhatsAppJID(chatID)
	if err != nil {
		return
	}
	d := time.Duration(replyLen*typingMsPerChar) * time.Millisecond
	if d > typingMaxSimulat {
		d = typingMaxSimulat
	}
	if d <= 0 {
		return
	}
	if err := w.client.SendChatPresence(context.Background(), chatJID, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		return
	}
	time.Sleep(d)
	_ = w.client.SendChatPresence(context.Background(), chatJID, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

func (w *WhatsAppChannel) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				log.Printf("[whatsapp] scan the QR code below to login")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			default:
				if evt.Error != nil {
					log.Printf("[whatsapp] login event=%s error=%v", evt.Event, evt.Error)
				} else {
					log.Printf("[whatsapp] login event=%s", evt.Event)
				}
			}
		}
	}
}

func (w *WhatsAppChannel) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(e)
	case *events.ChatPresence:
		w.handleChatPresence(e)
	case *events.Connected:
		log.Printf("[whatsapp] connected as %s", w.client.Store.ID)
	case *events.Disconnected:
		log.Printf("[whatsapp] disconnected")
		go w.reconnect()
	case *events.StreamReplaced:
		log.Printf("[whatsapp] stream replaced: another device took over this session")
	case *events.LoggedOut:
		log.Printf("[whatsapp] logged out (reason %s), re-pair with 'friday serve'", e.Reason)
	}
}

// reconnect retries the connection with a bounded linear backoff. The
// whatsmeow client also auto-reconnects; this covers the cases where it has
// given up while our context is still live.
func (w *WhatsAppChannel) reconnect() {
	if !w.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnecting.Store(false)

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if w.ctx == nil || w.ctx.Err() != nil {
			return
		}
		if w.client.IsConnected() {
			return
		}

		backoff := time.Duration(attempt) * reconnectBaseDelay
		if backoff > reconnectMaxDelay {
			backoff = reconnectMaxDelay
		}
		time.Sleep(backoff)

		if err := w.client.Connect(); err != nil {
			log.Printf("[whatsapp] reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		log.Printf("[whatsapp] reconnected after %d attempt(s)", attempt)
		return
	}
	log.Printf("[whatsapp] giving up after %d reconnect attempts", maxReconnectAttempts)
}

func (w *WhatsAppChannel) handleMessage(evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}

	content, contentType, hasMedia := extractContent(evt.Message)
	if content == "" && !hasMedia {
		return
	}

	chat := evt.Info.Chat
	contact := evt.Info.Sender.ToNonAD()
	isGroup := chat.Server == types.GroupServer
	if evt.Info.IsFromMe {
		// The owner replied from their phone; the peer of the chat is the
		// contact being handled.
		contact = chat.ToNonAD()
	}

	w.bus.Inbound <- bus.InboundMessage{
		Channel:     whatsappChannelName,
		ContactID:   contact.String(),
		ChatID:      chat.String(),
		Content:     content,
		ContentType: contentType,
		DisplayName: evt.Info.PushName,
		Timestamp:   evt.Info.Timestamp,
		IsFromMe:    evt.Info.IsFromMe,
		IsGroup:     isGroup,
		HasMedia:    hasMedia,
		Metadata: map[string]any{
			"message_id": evt.Info.ID,
			"sender_jid": evt.Info.Sender.String(),
		},
	}
}

// handleChatPresence surfaces the owner composing on another device. Peer
// typing is not interesting to the router and is dropped here.
func (w *WhatsAppChannel) handleChatPresence(evt *events.ChatPresence) {
	if evt == nil || evt.State != types.ChatPresenceComposing {
		return
	}
	self := w.client.Store.ID
	if self == nil || evt.Sender.ToNonAD().User != self.User {
		return
	}

	w.bus.Typing <- bus.TypingEvent{
		ContactID: evt.Chat.ToNonAD().String(),
		Timestamp: time.Now(),
	}
}

func extractContent(msg *waE2E.Message) (content, contentType string, hasMedia bool) {
	contentType = "text"
	content = strings.TrimSpace(msg.GetConversation())
	if content == "" && msg.GetExtendedTextMessage() != nil {
		content = strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	}

	if image := msg.GetImageMessage(); image != nil {
		hasMedia = true
		contentType = "image"
		if content == "" {
			content = strings.TrimSpace(image.GetCaption())
		}
	}
	if audio := msg.GetAudioMessage(); audio != nil {
		hasMedia = true
		contentType = "audio"
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		hasMedia = true
		contentType = "document"
		if content == "" {
			content = strings.TrimSpace(doc.GetCaption())
		}
	}

	return content, contentType, hasMedia
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}

	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}

	user := strings.TrimPrefix(raw, "+")
	if isDigitsOnly(user) {
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	return types.ParseJID(raw)
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
