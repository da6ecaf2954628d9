package channel

import (
	"strings"
	"unicode/utf8"
)

// SummarizeText returns a trimmed preview of text for logs.
func SummarizeText(text string) string {
	value := strings.TrimSpace(text)
	const limit = 120
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit]) + "..."
}

// AllowList admits senders by id. An empty list admits everyone.
type AllowList[T comparable] struct {
	ids map[T]struct{}
}

// NewAllowList builds an AllowList from ids.
func NewAllowList[T comparable](ids []T) AllowList[T] {
	set := make(map[T]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return AllowList[T]{ids: set}
}

// Allowed reports whether id may reach the orchestrator.
func (a AllowList[T]) Allowed(id T) bool {
	if len(a.ids) == 0 {
		return true
	}
	_, ok := a.ids[id]
	return ok
}

// Len reports how many ids are listed.
func (a AllowList[T]) Len() int {
	return len(a.ids)
}
