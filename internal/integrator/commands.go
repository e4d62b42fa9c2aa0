package integrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neuralcollective/borg/internal/audit"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/transport"
)

// borgVersion is reported by /version. Bumped by hand alongside releases.
const borgVersion = "borg/0.1.0"

// dispatchCommand routes a "/"-prefixed chat message to its handler by a
// prefix-strip-then-route shape, generalized into a fixed command table.
// Every dispatch is audited regardless of outcome.
func (l *Loop) dispatchCommand(ctx context.Context, msg transport.IncomingMessage, text string) {
	fields := strings.SplitN(text, " ", 2)
	name := strings.ToLower(fields[0])
	var rest string
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	reply, err := l.runCommand(ctx, msg, name, rest)
	decision := "allowed"
	reason := ""
	if err != nil {
		decision = "denied"
		reason = err.Error()
		reply = err.Error()
	}
	audit.Record(msg.ChatID, msg.Sender, name, decision, reason)

	if sendErr := l.transports.Send(ctx, msg.Transport, msg.OriginalRef, msg.MessageID, reply); sendErr != nil {
		l.logger.Error("integrator_command_reply_failed", "error", sendErr, "chat_id", msg.ChatID, "command", name)
	}
}

func (l *Loop) runCommand(ctx context.Context, msg transport.IncomingMessage, name, rest string) (string, error) {
	switch name {
	case "/register":
		return l.cmdRegister(ctx, msg, rest)
	case "/unregister":
		return l.cmdUnregister(ctx, msg)
	case "/status":
		return l.cmdStatus(ctx)
	case "/groups":
		return l.cmdGroups(ctx)
	case "/chatid":
		return msg.ChatID, nil
	case "/ping":
		return "pong", nil
	case "/version":
		return borgVersion, nil
	case "/help":
		return helpText, nil
	case "/start":
		return l.cmdRegister(ctx, msg, rest)
	case "/task":
		return l.cmdTask(ctx, msg, rest)
	case "/tasks":
		return l.cmdTasks(ctx)
	case "/pipeline":
		return l.cmdPipeline(ctx)
	default:
		return "", fmt.Errorf("unknown command %q, try /help", name)
	}
}

const helpText = "Commands: /register [trigger], /unregister, /status, /groups, /chatid, " +
	"/ping, /version, /help, /start, /task <title>\\n<description>, /tasks, /pipeline"

func (l *Loop) cmdRegister(ctx context.Context, msg transport.IncomingMessage, triggerPhrase string) (string, error) {
	chat := store.Chat{
		ChatID:          msg.ChatID,
		DisplayName:     msg.ChatTitle,
		Folder:          chatFolder(msg.ChatID),
		TriggerPhrase:   triggerPhrase,
		RequiresTrigger: true,
	}
	if err := l.store.RegisterChat(ctx, chat); err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return "", errors.New("already registered")
		}
		return "", fmt.Errorf("register failed: %w", err)
	}
	return "Registered. Mention me or say the trigger phrase to start a conversation.", nil
}

func (l *Loop) cmdUnregister(ctx context.Context, msg transport.IncomingMessage) (string, error) {
	if err := l.store.UnregisterChat(ctx, msg.ChatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errors.New("not registered")
		}
		return "", fmt.Errorf("unregister failed: %w", err)
	}
	return "Unregistered.", nil
}

func (l *Loop) cmdStatus(ctx context.Context) (string, error) {
	tasks, err := l.store.ListActiveTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("status unavailable: %w", err)
	}
	return fmt.Sprintf("active agents: %d, active tasks: %d", l.chats.ActiveAgents(), len(tasks)), nil
}

func (l *Loop) cmdGroups(ctx context.Context) (string, error) {
	chats, err := l.store.ListChats(ctx)
	if err != nil {
		return "", fmt.Errorf("groups unavailable: %w", err)
	}
	if len(chats) == 0 {
		return "No registered chats.", nil
	}
	var b strings.Builder
	for _, c := range chats {
		fmt.Fprintf(&b, "%s (%s)\n", c.ChatID, c.DisplayName)
	}
	return strings.TrimSpace(b.String()), nil
}

func (l *Loop) cmdTask(ctx context.Context, msg transport.IncomingMessage, rest string) (string, error) {
	if rest == "" {
		return "", errors.New("usage: /task <title>\\n<description>")
	}
	lines := strings.SplitN(rest, "\n", 2)
	title := strings.TrimSpace(lines[0])
	desc := ""
	if len(lines) > 1 {
		desc = strings.TrimSpace(lines[1])
	}
	id, err := l.store.CreateTask(ctx, store.PipelineTask{
		Title:       title,
		Description: desc,
		CreatedBy:   msg.Sender,
		NotifyChat:  msg.ChatID,
	})
	if err != nil {
		return "", fmt.Errorf("task creation failed: %w", err)
	}
	return fmt.Sprintf("Created task #%d.", id), nil
}

func (l *Loop) cmdTasks(ctx context.Context) (string, error) {
	tasks, err := l.store.ListActiveTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("tasks unavailable: %w", err)
	}
	if len(tasks) == 0 {
		return "No active tasks.", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d [%s] %s\n", t.ID, t.Status, t.Title)
	}
	return strings.TrimSpace(b.String()), nil
}

func (l *Loop) cmdPipeline(ctx context.Context) (string, error) {
	queued, err := l.store.ListQueued(ctx)
	if err != nil {
		return "", fmt.Errorf("pipeline status unavailable: %w", err)
	}
	metrics, err := l.store.PhaseMetrics(ctx)
	if err != nil {
		return "", fmt.Errorf("pipeline status unavailable: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "queued for integration: %d\n", len(queued))
	for _, m := range metrics {
		fmt.Fprintf(&b, "%s: %d attempts, %d success\n", m.Phase, m.Attempts, m.Successes)
	}
	return strings.TrimSpace(b.String()), nil
}
