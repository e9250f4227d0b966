// Package notify pushes run-completion messages to Telegram. Delivery
// is best effort: send failures are logged, never propagated into the
// run lifecycle.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram rejects messages above this length.
const messageLimit = 4096

const sendTimeout = 30 * time.Second

// sender is the telego surface the notifier uses; tests substitute a
// recording fake.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	bot sender

	mu     sync.Mutex
	chatID int64
}

// New creates a notifier for the configured chat. Both the token and
// the chat id must be set.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	if cfg.TelegramToken == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// SetChatID redirects future notifications, for config reloads.
func (n *Notifier) SetChatID(id int64) {
	n.mu.Lock()
	n.chatID = id
	n.mu.Unlock()
}

func (n *Notifier) chat() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chatID
}

// RunFinished sends the completion message for one run. Wired as a
// runs.Manager done listener.
func (n *Notifier) RunFinished(run *store.Run, res *swarm.RunResult) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := n.send(ctx, formatRunMessage(run, res)); err != nil {
		slog.Error("telegram notification failed", "run", run.ID, "error", err)
	}
}

func (n *Notifier) send(ctx context.Context, text string) error {
	chat := tu.ID(n.chat())
	for _, chunk := range chunkMessage(text, messageLimit) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(chat, chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func formatRunMessage(run *store.Run, res *swarm.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished: %s\n", shortID(run.ID), res.Status)
	fmt.Fprintf(&b, "Task: %s\n", run.Task)
	if len(res.NodeHistory) > 0 {
		fmt.Fprintf(&b, "Agents: %s\n", strings.Join(res.NodeHistory, " -> "))
	}
	if s, ok := res.Output.(string); ok && strings.TrimSpace(s) != "" {
		b.WriteString("\n")
		b.WriteString(preview(s, 500))
	}
	return b.String()
}

// chunkMessage splits text into pieces below maxLen, preferring to cut
// at a newline in the back half of the window.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return append(chunks, text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func preview(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
