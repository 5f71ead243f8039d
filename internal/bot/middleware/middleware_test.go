package middleware

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func TestRecoverFromPanic(t *testing.T) {
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: -100},
		From: &tgbotapi.User{ID: 7},
		Text: "/approve 3",
	}

	called := 0
	assert.NotPanics(t, func() {
		defer RecoverFromPanic(msg, func() { called++ })
		panic("boom")
	})
	assert.Equal(t, 1, called)

	assert.NotPanics(t, func() {
		defer RecoverFromPanic(nil, nil)
		panic("no message")
	})

	called = 0
	func() {
		defer RecoverFromPanic(msg, func() { called++ })
	}()
	assert.Zero(t, called, "no panic, no callback")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "日本...", truncate("日本語です", 2), "cuts on runes")
}
