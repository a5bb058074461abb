package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

type fakeBot struct {
	failures int
	sent     []tgbotapi.MessageConfig
	calls    int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("network down")
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"position_jump", "position\\_jump"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"bound: 12.50", "bound: 12\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestFormatTransition(t *testing.T) {
	msg := formatTransition(models.LevelTransition{
		Check:      "position_jump",
		Previous:   models.Assured,
		Level:      models.Unassured,
		CheckTime:  1234.5,
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	for _, want := range []string{
		"🔴 *position\\_jump* is now *UNASSURED*",
		"previous: assured",
		"check time: 1234\\.500",
		"2026\\-01\\-02 03:04:05",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestFormatStatus_SortedByName(t *testing.T) {
	msg := formatStatus(map[string]models.AssuranceLevel{
		"position_jump": models.Inconsistent,
		"aoa":           models.Assured,
	})
	aoa := strings.Index(msg, "aoa")
	pj := strings.Index(msg, "position\\_jump")
	if aoa < 0 || pj < 0 || aoa > pj {
		t.Errorf("unexpected status message %q", msg)
	}
	if formatStatus(nil) != "No checks running" {
		t.Errorf("empty status = %q", formatStatus(nil))
	}
}

func TestSendTransition_RetriesThenSucceeds(t *testing.T) {
	bot := &fakeBot{failures: 2}
	c := newClient(bot, 42, 3, time.Millisecond)

	if err := c.SendTransition(models.LevelTransition{Check: "aoa", Level: models.Inconsistent}); err != nil {
		t.Fatalf("SendTransition: %v", err)
	}
	if bot.calls != 3 {
		t.Errorf("calls = %d, want 3", bot.calls)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != 42 || bot.sent[0].ParseMode != "MarkdownV2" {
		t.Errorf("unexpected sent messages: %+v", bot.sent)
	}
}

func TestSendError_GivesUpAfterMaxRetries(t *testing.T) {
	bot := &fakeBot{failures: 10}
	c := newClient(bot, 42, 2, time.Millisecond)

	if err := c.SendError(errors.New("boom")); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if bot.calls != 2 {
		t.Errorf("calls = %d, want 2", bot.calls)
	}
}

func TestHandleCommand_Status(t *testing.T) {
	bot := &fakeBot{}
	c := newClient(bot, 42, 1, time.Millisecond)
	c.SetStatusProvider(func() map[string]models.AssuranceLevel {
		return map[string]models.AssuranceLevel{"aoa": models.Unassured}
	})

	c.handleCommand(&tgbotapi.Message{
		Text:     "/status",
		Chat:     &tgbotapi.Chat{ID: 7},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}},
	})
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sent))
	}
	if bot.sent[0].ChatID != 7 || !strings.Contains(bot.sent[0].Text, "aoa: unassured") {
		t.Errorf("unexpected reply %+v", bot.sent[0])
	}
}
