// Package channel defines the contract between channel adapters and the
// orchestrator, plus the helpers adapters share.
package channel

import "strings"

// Type identifies a channel adapter.
type Type string

// Built-in channel types.
const (
	Terminal Type = "terminal"
	Telegram Type = "telegram"
	Discord  Type = "discord"
)

func (t Type) String() string {
	return string(t)
}

func normalizeType(raw string) Type {
	return Type(strings.ToLower(strings.TrimSpace(raw)))
}

// InboundMessage is one normalized inbound event. ChannelUID identifies the
// sender; ReplyTarget names where replies go and falls back to ChannelUID.
type InboundMessage struct {
	Channel     Type
	ChannelUID  string
	ReplyTarget string
	Text        string
}

// Target returns the reply destination.
func (m InboundMessage) Target() string {
	if m.ReplyTarget != "" {
		return m.ReplyTarget
	}
	return m.ChannelUID
}

// TurnTarget addresses one sender inside a shared chat. Replies go to chat;
// streamed output is buffered per sender so two users in one group never
// share a buffer.
func TurnTarget(chat, sender string) string {
	if sender == "" || sender == chat {
		return chat
	}
	return chat + targetSep + sender
}

// SplitTarget undoes TurnTarget.
func SplitTarget(target string) (chat, sender string) {
	chat, sender, _ = strings.Cut(target, targetSep)
	return chat, sender
}

const targetSep = "/"
