package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/deepmax/internal/config"
)

// Bootstrap makes every configured link resolvable: each user name gets a
// User and each (channel, uid) pair points at it. Running it twice is a no-op.
func Bootstrap(ctx context.Context, log *slog.Logger, store Store, links []config.Link) error {
	if log == nil {
		log = slog.Default()
	}
	users := make(map[string]User)
	for _, link := range links {
		user, ok := users[link.UserName]
		if !ok {
			var err error
			user, err = store.EnsureUser(ctx, link.UserName)
			if err != nil {
				return fmt.Errorf("bootstrap user %s: %w", link.UserName, err)
			}
			users[link.UserName] = user
		}

		current, linked, err := store.Resolve(ctx, link.Channel, link.ChannelUID)
		if err != nil {
			return fmt.Errorf("bootstrap link %s/%s: %w", link.Channel, link.ChannelUID, err)
		}
		if linked && current.ID == user.ID {
			continue
		}
		if linked {
			log.Warn("identity link moved",
				slog.String("channel", link.Channel),
				slog.String("channel_uid", link.ChannelUID),
				slog.String("from", current.Name),
				slog.String("to", user.Name))
		}
		if err := store.LinkIdentity(ctx, user.ID, link.Channel, link.ChannelUID); err != nil {
			return fmt.Errorf("bootstrap link %s/%s: %w", link.Channel, link.ChannelUID, err)
		}
		log.Info("identity linked",
			slog.String("user", user.Name),
			slog.String("channel", link.Channel),
			slog.String("channel_uid", link.ChannelUID))
	}
	return nil
}
