package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/persistence"
)

// TaskController is the coordinator surface the telegram channel drives.
type TaskController interface {
	Submit(ctx context.Context, content, surfaceKind string, maxRetries int) (*persistence.Task, error)
	Stop(ctx context.Context, taskID string) error
	Active() string
}

// TelegramChannel lets allowed telegram users queue tasks and get notified
// when their tasks finish.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	controller TaskController
	store      *persistence.Store
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        *tgbotapi.BotAPI

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // taskID -> chatID
}

// NewTelegramChannel creates a new telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, controller TaskController, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		controller:   controller,
		store:        store,
		logger:       logger.With("component", "telegram"),
		eventBus:     eventBus,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorOutcomes(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				"error", pollErr.Error(), "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !t.allowed(msg.From.ID) {
		t.logger.Warn("telegram message from unauthorized user", "user_id", msg.From.ID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/status":
		t.reply(msg.Chat.ID, t.statusText(ctx))
	case strings.HasPrefix(text, "/stop "):
		taskID := strings.TrimSpace(strings.TrimPrefix(text, "/stop "))
		if err := t.controller.Stop(ctx, taskID); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("stop failed: %v", err))
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("stopped %s", taskID))
	case text == "" || strings.HasPrefix(text, "/"):
		t.reply(msg.Chat.ID, "send task content to queue it, /status for queue state, /stop <id> to stop a task")
	default:
		task, err := t.controller.Submit(ctx, text, "", 0)
		if err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("could not queue task: %v", err))
			return
		}
		t.trackTask(task.ID, msg.Chat.ID)
		t.reply(msg.Chat.ID, fmt.Sprintf("queued %s (%d steps)", task.ID, len(task.Steps)))
	}
}

func (t *TelegramChannel) statusText(ctx context.Context) string {
	pending, running, err := t.store.Counts(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	active := t.controller.Active()
	if active == "" {
		active = "none"
	}
	return fmt.Sprintf("pending: %d, running: %d, active: %s", pending, running, active)
}

// monitorOutcomes forwards terminal task events to the chat that queued
// the task.
func (t *TelegramChannel) monitorOutcomes(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	completed := t.eventBus.Subscribe(bus.TopicTaskCompleted)
	failed := t.eventBus.Subscribe(bus.TopicTaskFailed)
	defer t.eventBus.Unsubscribe(completed)
	defer t.eventBus.Unsubscribe(failed)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-completed.Ch():
			if !ok {
				return
			}
			t.notifyOutcome(ev)
		case ev, ok := <-failed.Ch():
			if !ok {
				return
			}
			t.notifyOutcome(ev)
		}
	}
}

func (t *TelegramChannel) notifyOutcome(ev bus.Event) {
	terminal, ok := ev.Payload.(bus.TaskTerminalEvent)
	if !ok {
		return
	}
	chatID, tracked := t.untrackTask(terminal.TaskID)
	if !tracked {
		return
	}
	switch terminal.Status {
	case string(persistence.StatusCompleted):
		t.reply(chatID, fmt.Sprintf("task %s completed", terminal.TaskID))
	case string(persistence.StatusFailed):
		t.reply(chatID, fmt.Sprintf("task %s failed: %s", terminal.TaskID, terminal.Error))
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return false
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) trackTask(taskID string, chatID int64) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.pendingTasks[taskID] = chatID
}

func (t *TelegramChannel) untrackTask(taskID string) (int64, bool) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	chatID, ok := t.pendingTasks[taskID]
	if ok {
		delete(t.pendingTasks, taskID)
	}
	return chatID, ok
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err.Error())
	}
}
