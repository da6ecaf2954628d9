package stream

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// SendChunked delivers a complete reply through send, splitting it with
// ChunkMarkdown when it exceeds limit. Every chunk is attempted; failures are
// joined.
func SendChunked(ctx context.Context, send func(context.Context, string) error, text string, limit, chunkSize int) error {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return send(ctx, text)
	}
	if chunkSize <= 0 || chunkSize > limit {
		chunkSize = limit
	}
	var errs []error
	for i, chunk := range ChunkMarkdown(text, chunkSize) {
		if err := send(ctx, chunk); err != nil {
			errs = append(errs, fmt.Errorf("send chunk %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
