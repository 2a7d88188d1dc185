package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/newswire/internal/capability"
	"github.com/agentoven/newswire/internal/content"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	telegramPrefix  = "telegram:"
	telegramMaxText = 4096
)

const telegramHelp = `*Newswire commands*

/plans - list the plans on offer
/subscribe <plan> - subscribe to a plan
/subscribe topics: ai, robotics - subscribe to the plan covering those topics
/confirm <tx hash> [subscription] - confirm your payment
/cancel [subscription] - cancel a subscription
/help - show this message`

// botAPI is the part of tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramAdapter lets chat users talk to one producer. Each chat is the
// participant "telegram:<chat id>".
type TelegramAdapter struct {
	bot      botAPI
	producer string
	inbound  contracts.InboundHandler
}

func NewTelegramAdapter(token, producer string) (*TelegramAdapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = false
	log.Info().Str("account", bot.Self.UserName).Str("producer", producer).Msg("🤖 Telegram bot authorized")
	return newTelegramAdapter(bot, producer), nil
}

func newTelegramAdapter(bot botAPI, producer string) *TelegramAdapter {
	return &TelegramAdapter{bot: bot, producer: producer}
}

func (t *TelegramAdapter) Kind() string { return "telegram" }

func (t *TelegramAdapter) Handles(participant string) bool {
	_, ok := chatID(participant)
	return ok
}

func (t *TelegramAdapter) OnInboundMessage(handler contracts.InboundHandler) { t.inbound = handler }

// ChatParticipant returns the participant id for a chat.
func ChatParticipant(id int64) string {
	return telegramPrefix + strconv.FormatInt(id, 10)
}

func chatID(participant string) (int64, bool) {
	if !strings.HasPrefix(participant, telegramPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(participant, telegramPrefix), 10, 64)
	return id, err == nil
}

// Run long-polls for updates until ctx is done.
func (t *TelegramAdapter) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				t.handleMessage(ctx, update.Message.Chat.ID, update.Message.Text)
			}
		}
	}
}

func (t *TelegramAdapter) handleMessage(ctx context.Context, chat int64, text string) {
	msg, reply := t.translate(chat, strings.TrimSpace(text))
	if reply != "" {
		t.sendText(chat, reply)
		return
	}
	if t.inbound == nil {
		return
	}
	if err := t.inbound(ctx, msg); err != nil {
		log.Warn().Err(err).Int64("chat", chat).Msg("Telegram message not accepted")
		t.sendText(chat, "Sorry, that message could not be processed. Try again shortly.")
	}
}

// translate turns chat text into an inbound message. Commands the adapter
// answers itself come back as reply text instead.
func (t *TelegramAdapter) translate(chat int64, text string) (models.InboundMessage, string) {
	msg := models.InboundMessage{
		Channel:    t.Kind(),
		From:       ChatParticipant(chat),
		To:         t.producer,
		Content:    text,
		ReceivedAt: time.Now().UTC(),
	}
	if !strings.HasPrefix(text, "/") {
		return msg, ""
	}

	fields := strings.Fields(text)
	// Commands may be addressed as /cmd@botname in groups.
	command, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]
	data := map[string]interface{}{}

	switch command {
	case "/start", "/plans":
		data["action"] = models.ActionListPlans
	case "/help":
		return msg, telegramHelp
	case "/subscribe":
		rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
		switch {
		case rest == "":
			return msg, "Usage: /subscribe <plan> or /subscribe topics: ai, robotics"
		case strings.Contains(strings.ToLower(rest), "topics:"):
			msg.Content = rest
		default:
			data["plan_id"] = args[0]
		}
		data["action"] = models.ActionSubscribe
	case "/confirm":
		if len(args) == 0 {
			return msg, "Usage: /confirm <tx hash> [subscription]"
		}
		data["action"] = models.ActionConfirm
		data["transaction_hash"] = args[0]
		if len(args) > 1 {
			data["subscription_id"] = args[1]
		}
	case "/cancel":
		data["action"] = models.ActionCancel
		if len(args) > 0 {
			data["subscription_id"] = args[0]
		}
	default:
		return msg, "Unknown command. Use /help to see available commands."
	}
	msg.StructuredData = data
	return msg, ""
}

// Send renders msg as chat text for the recipient's chat.
func (t *TelegramAdapter) Send(_ context.Context, _, recipient string, msg models.Message) error {
	chat, ok := chatID(recipient)
	if !ok {
		return fmt.Errorf("%s is not a telegram participant", recipient)
	}
	out := tgbotapi.NewMessage(chat, Render(msg, telegramMaxText))
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (t *TelegramAdapter) sendText(chat int64, text string) {
	out := tgbotapi.NewMessage(chat, text)
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(out); err != nil {
		log.Warn().Err(err).Int64("chat", chat).Msg("Telegram reply failed")
	}
}

// Render turns a thread message into plain text of at most max runes.
// Payment requests get instructions for paying and confirming.
func Render(msg models.Message, max int) string {
	text := msg.Content
	switch msg.Action() {
	case models.ActionPaymentRequired:
		if pr, ok := capability.PaymentRequestFrom(msg); ok {
			var b strings.Builder
			b.WriteString(text)
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "Pay %s %s", pr.Amount, pr.Currency)
			if pr.Recipient != "" {
				fmt.Fprintf(&b, " to %s", pr.Recipient)
			}
			fmt.Fprintf(&b, ", then send /confirm <tx hash> %s", pr.SubscriptionID)
			text = b.String()
		}
	case models.ActionError:
		if text == "" {
			text = "Error: " + msg.Field("reason")
		}
	}
	if text == "" && msg.Action() != "" {
		text = "(" + msg.Action() + ")"
	}
	return content.Truncate(text, max)
}
