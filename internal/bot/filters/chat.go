// Package filters decides which Telegram updates the bot serves.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// ChatFilter lets through messages of the parents' chat only. Children
// never talk to the bot; approvals and bonuses are parent actions.
type ChatFilter struct {
	parentChatID int64
}

func NewChatFilter(parentChatID int64) *ChatFilter {
	return &ChatFilter{parentChatID: parentChatID}
}

// CheckAccess reports whether message may be handled.
func (f *ChatFilter) CheckAccess(message *tgbotapi.Message) bool {
	if message == nil || message.Chat == nil {
		log.WithField("component", "ChatFilter").Warn("nil message/chat")
		return false
	}
	if message.From == nil {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Debug("nil message.From (channel post?)")
		return false
	}
	if f.parentChatID == 0 {
		log.WithField("component", "ChatFilter").Error("parentChatID is 0 (config bug)")
		return false
	}

	if message.Chat.ID != f.parentChatID {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"user_id":   message.From.ID,
		}).Info("deny: not the parent chat")
		return false
	}
	return true
}
