// Package bot is the Telegram binding for parents. It answers commands in
// the parents' chat and posts notifications about task completions and
// granted rewards.
package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/bot/filters"
	"serotonyl.ru/s2a/internal/bot/middleware"
	"serotonyl.ru/s2a/internal/features/family"
	"serotonyl.ru/s2a/internal/features/tasks"
	"serotonyl.ru/s2a/internal/features/wallet"
	"serotonyl.ru/s2a/internal/ratelimit"
)

const failureReply = "Something went wrong, try again later."

// Sender delivers outgoing messages. *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options configure the bot.
type Options struct {
	ParentChatID  int64
	ApproverID    int64 // users.id recorded as approver of bot approvals
	MaxInflight   int
	UpdateTimeout int // long polling timeout, seconds
}

// Bot is the main bot object holding every dependency.
type Bot struct {
	api  *tgbotapi.BotAPI
	out  Sender
	opts Options

	chatFilter  *filters.ChatFilter
	rateLimiter *ratelimit.Limiter[int64]

	tasks  *tasks.Service
	wallet *wallet.Service
	family *family.Service

	parser *CommandParser

	// caps concurrently handled updates
	inflight chan struct{}
}

// New creates a bot. api may be nil when only notifications are sent
// through out (tests).
func New(
	api *tgbotapi.BotAPI,
	out Sender,
	opts Options,
	chatFilter *filters.ChatFilter,
	rateLimiter *ratelimit.Limiter[int64],
	taskService *tasks.Service,
	walletService *wallet.Service,
	familyService *family.Service,
) *Bot {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 16
	}
	return &Bot{
		api:         api,
		out:         out,
		opts:        opts,
		chatFilter:  chatFilter,
		rateLimiter: rateLimiter,
		tasks:       taskService,
		wallet:      walletService,
		family:      familyService,
		parser:      NewCommandParser(),
		inflight:    make(chan struct{}, opts.MaxInflight),
	}
}

// Start polls Telegram for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.UpdateTimeout

	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": b.opts.MaxInflight,
		"timeout_sec":  b.opts.UpdateTimeout,
	}).Info("Bot started, waiting for updates")

	for {
		select {
		case <-ctx.Done():
			log.Info("Bot stopping (ctx done)")
			b.api.StopReceivingUpdates()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Updates channel closed, bot exits")
				return
			}

			select {
			case b.inflight <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// handleUpdate processes one update from Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.Text == "" {
		return
	}
	defer middleware.RecoverFromPanic(message, func() {
		if message.Chat != nil {
			b.sendMessage(message.Chat.ID, failureReply)
		}
	})

	middleware.LogMessage(message)

	if !b.chatFilter.CheckAccess(message) {
		return
	}

	if b.rateLimiter != nil && !b.rateLimiter.Allow(message.From.ID) {
		log.WithField("user_id", message.From.ID).Debug("rate limited")
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if !isCommand {
		return
	}
	log.WithFields(log.Fields{
		"cmd":     cmd,
		"args":    args,
		"user_id": message.From.ID,
	}).Debug("parsed command")

	// Telegram may redeliver an update; the message id keeps wallet writes
	// from applying twice.
	key := fmt.Sprintf("tg:%d:%d", message.Chat.ID, message.MessageID)
	b.sendMessage(message.Chat.ID, b.execute(ctx, cmd, args, key))
}

// sendMessage is the single exit for outgoing text.
func (b *Bot) sendMessage(chatID int64, text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Failed to send message")
	}
}

// CommandParser splits "/cmd arg..." messages. Both "/" and "!" prefixes
// are accepted, and a "@botname" suffix on the command is dropped.
type CommandParser struct {
	validPrefixes []string
}

func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"/", "!"},
	}
}

// ParseCommand returns the lower-cased command, its arguments, and
// whether text is a command at all.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command := strings.ToLower(parts[0])
	if i := strings.IndexByte(command, '@'); i >= 0 {
		command = command[:i]
	}
	if command == "" {
		return "", nil, false
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return command, args, true
}
