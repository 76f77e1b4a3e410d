package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/taskrelay/internal/bus"
	"github.com/stellarlinkco/taskrelay/internal/config"
)

const (
	telegramChannelName = "telegram"
	// Telegram has a 4096 char limit per message
	maxMessageLen = 4000
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
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

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return w.bot.GetChatMember(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	chatID     string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		chatID:      strings.TrimSpace(cfg.ChatID),
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
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				switch {
				case update.Message != nil:
					t.handleMessage(ctx, update.Message)
				case update.CallbackQuery != nil:
					t.handleCallback(ctx, update.CallbackQuery)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if t.chatID != "" {
		log.Printf("[telegram] polling started (chat %s)", t.chatID)
	} else {
		log.Printf("[telegram] polling started (all chats)")
	}
	return nil
}

// acceptChat reports whether the update belongs to the configured chat.
func (t *TelegramChannel) acceptChat(chat *tgbotapi.Chat) bool {
	if chat == nil {
		return false
	}
	return t.chatID == "" || strconv.FormatInt(chat.ID, 10) == t.chatID
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot || !t.acceptChat(msg.Chat) {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := withMentionTokens(msg.Text, msg.Entities)
	if content == "" && msg.Caption != "" {
		content = withMentionTokens(msg.Caption, msg.CaptionEntities)
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	inbound := bus.InboundMessage{
		Kind:       bus.KindMessage,
		Channel:    telegramChannelName,
		SenderID:   senderID,
		SenderName: displayName(msg.From),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:  strconv.Itoa(msg.MessageID),
		Content:    content,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		},
	}
	if ref := msg.ReplyToMessage; ref != nil {
		refText := ref.Text
		if refText == "" {
			refText = ref.Caption
		}
		inbound.ReplyTo = &bus.Reference{
			MessageID: strconv.Itoa(ref.MessageID),
			Content:   refText,
		}
	}

	if err := t.bus.Publish(ctx, inbound); err != nil {
		log.Printf("[telegram] drop message %d: %v", msg.MessageID, err)
	}
}

// handleCallback turns a press on a notification's approval button into a
// reaction event on that notification.
func (t *TelegramChannel) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("[telegram] answer callback %s failed: %v", cb.ID, err)
	}

	if cb.From == nil || cb.From.IsBot || cb.Message == nil || !t.acceptChat(cb.Message.Chat) {
		return
	}

	senderID := strconv.FormatInt(cb.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected callback from %s (%s)", senderID, cb.From.UserName)
		return
	}

	inbound := bus.InboundMessage{
		Kind:       bus.KindReaction,
		Channel:    telegramChannelName,
		SenderID:   senderID,
		SenderName: displayName(cb.From),
		ChatID:     strconv.FormatInt(cb.Message.Chat.ID, 10),
		MessageID:  strconv.Itoa(cb.Message.MessageID),
		Content:    cb.Message.Text,
		Reaction:   cb.Data,
		Timestamp:  time.Now(),
		Metadata: map[string]any{
			"username":    cb.From.UserName,
			"callback_id": cb.ID,
		},
	}
	if err := t.bus.Publish(ctx, inbound); err != nil {
		log.Printf("[telegram] drop callback %s: %v", cb.ID, err)
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// DisplayName looks up a chat member and returns their full name.
func (t *TelegramChannel) DisplayName(ctx context.Context, chatID, userID string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", userID, err)
	}

	member, err := t.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: cid, UserID: uid},
	})
	if err != nil {
		return "", fmt.Errorf("get chat member %s: %w", userID, err)
	}
	if member.User == nil {
		return "", fmt.Errorf("chat member %s has no user", userID)
	}
	return displayName(member.User), nil
}

// Send posts msg and returns the id of its first chunk, which carries the
// action buttons.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	replyTo := 0
	if msg.ReplyTo != "" {
		if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
			replyTo = id
		}
	}

	plain := msg.Content
	if msg.Title != "" {
		plain = msg.Title + "\n" + msg.Content
	}

	firstID := ""
	for i, chunk := range splitMessage(plain, maxMessageLen) {
		text := escapeHTML(chunk)
		if i == 0 && msg.Title != "" && strings.HasPrefix(chunk, msg.Title) {
			text = "<b>" + escapeHTML(msg.Title) + "</b>" + escapeHTML(chunk[len(msg.Title):])
		}

		tgMsg := tgbotapi.NewMessage(chatID, text)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if i == 0 {
			tgMsg.ReplyToMessageID = replyTo
			tgMsg.AllowSendingWithoutReply = true
			if len(msg.Actions) > 0 {
				tgMsg.ReplyMarkup = actionKeyboard(msg.Actions)
			}
		}

		sent, err := t.bot.Send(tgMsg)
		if err != nil {
			// Retry this chunk without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			var err2 error
			sent, err2 = t.bot.Send(tgMsg)
			if err2 != nil {
				return "", fmt.Errorf("send telegram message: %w", err2)
			}
		}
		if i == 0 {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// splitMessage cuts s into chunks of at most limit bytes, preferring the last
// newline and never splitting a UTF-8 sequence.
func splitMessage(s string, limit int) []string {
	var chunks []string
	for len(s) > 0 {
		if len(s) <= limit {
			chunks = append(chunks, s)
			break
		}
		cut := strings.LastIndex(s[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		if chunk := s[:cut]; strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	return chunks
}

func actionKeyboard(actions []string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a, a))
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// withMentionTokens rewrites text_mention entities (members without a public
// username) into <@id> tokens. Entity offsets count UTF-16 code units.
func withMentionTokens(text string, entities []tgbotapi.MessageEntity) string {
	var mentions []tgbotapi.MessageEntity
	for _, e := range entities {
		if e.Type == "text_mention" && e.User != nil {
			mentions = append(mentions, e)
		}
	}
	if len(mentions) == 0 {
		return text
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].Offset > mentions[j].Offset })

	units := utf16.Encode([]rune(text))
	for _, e := range mentions {
		start, end := e.Offset, e.Offset+e.Length
		if start < 0 || end > len(units) || start > end {
			continue
		}
		token := utf16.Encode([]rune("<@" + strconv.FormatInt(e.User.ID, 10) + ">"))
		rewritten := make([]uint16, 0, len(units)-e.Length+len(token))
		rewritten = append(rewritten, units[:start]...)
		rewritten = append(rewritten, token...)
		rewritten = append(rewritten, units[end:]...)
		units = rewritten
	}
	return string(utf16.Decode(units))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeHTML makes text safe for ModeHTML. Notices are sent verbatim: the
// text Telegram hands back on a later reply or callback must match what was
// rendered.
func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
