package middleware

import (
	"fmt"
	"runtime/debug"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/s2a/internal/metrics"
)

// RecoverFromPanic must be deferred directly by the update handler. It logs
// the panic with the message that caused it and calls onPanic, if set, so
// the chat learns the command failed.
func RecoverFromPanic(message *tgbotapi.Message, onPanic func()) {
	r := recover()
	if r == nil {
		return
	}
	metrics.BotPanics.Inc()

	fields := log.Fields{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(debug.Stack()),
	}
	if message != nil {
		if message.Chat != nil {
			fields["chat_id"] = message.Chat.ID
		}
		if message.From != nil {
			fields["user_id"] = message.From.ID
		}
		fields["text"] = truncate(message.Text, maxLoggedRunes)
	}
	log.WithFields(fields).Error("Panic while handling update")

	if onPanic != nil {
		onPanic()
	}
}
