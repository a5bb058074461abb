// Package telegram provides a client for sending assurance notifications via
// the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// StatusFunc reports the current level of every check.
type StatusFunc func() map[string]models.AssuranceLevel

// Client handles Telegram notifications.
type Client struct {
	bot            botAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	mu     sync.RWMutex
	status StatusFunc
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot botAPI, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SetStatusProvider installs the source used to answer /status.
func (c *Client) SetStatusProvider(fn StatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	case "status":
		c.mu.RLock()
		status := c.status
		c.mu.RUnlock()
		if status == nil {
			return
		}
		reply := tgbotapi.NewMessage(msg.Chat.ID, formatStatus(status()))
		reply.ParseMode = "MarkdownV2"
		c.bot.Send(reply) //nolint:errcheck
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a processing error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Integrity monitor error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Integrity monitor recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendTransition notifies about a check changing its assurance level.
func (c *Client) SendTransition(t models.LevelTransition) error {
	return c.sendMarkdownV2(formatTransition(t))
}

// formatTransition formats a level change into a Telegram MarkdownV2 message.
func formatTransition(t models.LevelTransition) string {
	emoji := levelEmoji(t.Level)
	check := escapeMarkdownV2(t.Check)
	message := fmt.Sprintf("%s *%s* is now *%s*\n", emoji, check, escapeMarkdownV2(strings.ToUpper(t.Level.String())))
	message += fmt.Sprintf("   previous: %s\n", escapeMarkdownV2(t.Previous.String()))
	message += fmt.Sprintf("   check time: %s\n", escapeMarkdownV2(strconv.FormatFloat(t.CheckTime, 'f', 3, 64)))
	if !t.RecordedAt.IsZero() {
		message += fmt.Sprintf("📅 %s\n", escapeMarkdownV2(t.RecordedAt.Format("2006-01-02 15:04:05")))
	}
	return message
}

func formatStatus(levels map[string]models.AssuranceLevel) string {
	if len(levels) == 0 {
		return "No checks running"
	}
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("🛰 *Assurance levels*\n")
	for _, name := range names {
		level := levels[name]
		fmt.Fprintf(&b, "%s %s: %s\n", levelEmoji(level), escapeMarkdownV2(name), escapeMarkdownV2(level.String()))
	}
	return b.String()
}

func levelEmoji(level models.AssuranceLevel) string {
	switch level {
	case models.Assured:
		return "🟢"
	case models.Inconsistent:
		return "🟡"
	case models.Unassured:
		return "🔴"
	default:
		return "⚪"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
