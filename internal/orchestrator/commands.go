package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/memohai/deepmax/internal/identity"
)

const helpText = "Commands:\n" +
	"  /new — New conversation\n" +
	"  /history — List conversations\n" +
	"  /switch <id> — Switch conversation\n" +
	"  /title <text> — Set title\n" +
	"  /model [provider:model] — Show/change model\n" +
	"  /system <prompt> — Change system prompt\n" +
	"  /help — This help"

const (
	msgNoActive     = "No active conversation."
	msgNotFound     = "Conversation not found."
	msgInvalidID    = "Invalid conversation id."
	untitled        = "(untitled)"
	threadShortSize = 8
)

// commandHandler returns the reply text. An error means a backend failure;
// expected outcomes such as a missing argument are plain replies.
type commandHandler func(ctx context.Context, user identity.User, args string) (string, error)

func (o *Orchestrator) commandTable() map[string]commandHandler {
	return map[string]commandHandler{
		"/new":     o.cmdNew,
		"/history": o.cmdHistory,
		"/switch":  o.cmdSwitch,
		"/title":   o.cmdTitle,
		"/model":   o.cmdModel,
		"/system":  o.cmdSystem,
		"/help": func(context.Context, identity.User, string) (string, error) {
			return helpText, nil
		},
	}
}

func unknownCommand(cmd string) commandHandler {
	return func(context.Context, identity.User, string) (string, error) {
		return "Unknown command: " + cmd, nil
	}
}

func (o *Orchestrator) cmdNew(ctx context.Context, user identity.User, _ string) (string, error) {
	conv, err := o.store.CreateConversation(ctx, user.ID, o.opts.DefaultModel, o.opts.DefaultSystemPrompt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("New conversation created (id=%d). Thread: %s...", conv.ID, shortThread(conv.ThreadID)), nil
}

func (o *Orchestrator) cmdHistory(ctx context.Context, user identity.User, _ string) (string, error) {
	convs, err := o.store.ListConversations(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if len(convs) == 0 {
		return "No conversations yet.", nil
	}
	var b strings.Builder
	b.WriteString("Conversations:")
	for _, c := range convs {
		fmt.Fprintf(&b, "\n  [%d] %s — %s", c.ID, titleOf(c), c.Model)
		if c.IsActive {
			b.WriteString(" *")
		}
	}
	return b.String(), nil
}

// cmdSwitch takes a numeric id or a prefix of the thread id. A prefix must
// match exactly one of the caller's conversations.
func (o *Orchestrator) cmdSwitch(ctx context.Context, user identity.User, args string) (string, error) {
	arg := strings.TrimSpace(args)
	if arg == "" {
		return "Usage: /switch <id>", nil
	}
	targetID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		if !isThreadPrefix(arg) {
			return msgInvalidID, nil
		}
		id, found, err := o.findByThreadPrefix(ctx, user.ID, arg)
		if err != nil {
			return "", err
		}
		if !found {
			return msgNotFound, nil
		}
		targetID = id
	}
	conv, ok, err := o.store.SwitchConversation(ctx, user.ID, targetID)
	if err != nil {
		return "", err
	}
	if !ok {
		return msgNotFound, nil
	}
	return fmt.Sprintf("Switched to [%d] %s", conv.ID, titleOf(conv)), nil
}

func (o *Orchestrator) findByThreadPrefix(ctx context.Context, userID int64, prefix string) (int64, bool, error) {
	convs, err := o.store.ListConversations(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	prefix = strings.ToLower(prefix)
	var match int64
	var n int
	for _, c := range convs {
		if strings.HasPrefix(strings.ToLower(c.ThreadID), prefix) {
			match = c.ID
			n++
		}
	}
	return match, n == 1, nil
}

func (o *Orchestrator) cmdTitle(ctx context.Context, user identity.User, args string) (string, error) {
	title := strings.TrimSpace(args)
	if title == "" {
		return "Usage: /title <text>", nil
	}
	conv, ok, err := o.store.ActiveConversation(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return msgNoActive, nil
	}
	if err := o.store.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
		return "", err
	}
	return "Title set: " + title, nil
}

func (o *Orchestrator) cmdModel(ctx context.Context, user identity.User, args string) (string, error) {
	model := strings.TrimSpace(args)
	conv, ok, err := o.store.ActiveConversation(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if model == "" {
		current := o.opts.DefaultModel
		if ok {
			current = conv.Model
		}
		return "Current model: " + current, nil
	}
	if !ok {
		return msgNoActive, nil
	}
	if err := o.store.UpdateConversationModel(ctx, conv.ID, model); err != nil {
		return "", err
	}
	return "Model changed to: " + model, nil
}

func (o *Orchestrator) cmdSystem(ctx context.Context, user identity.User, args string) (string, error) {
	prompt := strings.TrimSpace(args)
	if prompt == "" {
		return "Usage: /system <prompt>", nil
	}
	conv, ok, err := o.store.ActiveConversation(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return msgNoActive, nil
	}
	if err := o.store.UpdateConversationSystemPrompt(ctx, conv.ID, prompt); err != nil {
		return "", err
	}
	return "System prompt updated.", nil
}

func titleOf(c identity.Conversation) string {
	if c.Title == "" {
		return untitled
	}
	return c.Title
}

func shortThread(threadID string) string {
	if len(threadID) <= threadShortSize {
		return threadID
	}
	return threadID[:threadShortSize]
}

// isThreadPrefix reports whether s can be the start of a uuid thread id.
func isThreadPrefix(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return true
}
