package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/deepmax/internal/db"
)

const pgConversationColumns = `id, user_id, thread_id, title, model, system_prompt, is_active, created_at, updated_at`

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store backed by pool. The pool stays owned by the caller.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: log.With(slog.String("store", "postgres")),
	}
}

func (s *PostgresStore) Resolve(ctx context.Context, channel, channelUID string) (User, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT u.id, u.name, u.created_at
FROM channel_identities ci
JOIN users u ON u.id = ci.user_id
WHERE ci.channel = $1 AND ci.channel_uid = $2`, channel, channelUID)
	user, err := scanPgUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("resolve identity: %w", err)
	}
	return user, true, nil
}

func (s *PostgresStore) ActiveConversation(ctx context.Context, userID int64) (Conversation, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgConversationColumns+`
FROM conversations WHERE user_id = $1 AND is_active`, userID)
	conv, err := scanPgConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("get active conversation: %w", err)
	}
	return conv, true, nil
}

func (s *PostgresStore) GetOrCreateActiveConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error) {
	var out Conversation
	err := s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+pgConversationColumns+`
FROM conversations WHERE user_id = $1 AND is_active`, userID)
		conv, err := scanPgConversation(row)
		if err == nil {
			out = conv
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		out, err = insertPgConversation(ctx, tx, userID, model, systemPrompt)
		if err == nil {
			s.logger.Info("conversation created", slog.Int64("user_id", userID), slog.Int64("conversation_id", out.ID))
		}
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("get or create active conversation: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error) {
	var out Conversation
	err := s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE conversations SET is_active = false WHERE user_id = $1 AND is_active`, userID); err != nil {
			return err
		}
		var err error
		out, err = insertPgConversation(ctx, tx, userID, model, systemPrompt)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation created", slog.Int64("user_id", userID), slog.Int64("conversation_id", out.ID))
	return out, nil
}

func (s *PostgresStore) SwitchConversation(ctx context.Context, userID, targetID int64) (Conversation, bool, error) {
	var (
		out   Conversation
		found bool
	)
	err := s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		var owner int64
		err := tx.QueryRow(ctx, `SELECT user_id FROM conversations WHERE id = $1`, targetID).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != userID) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE conversations SET is_active = false WHERE user_id = $1 AND is_active AND id <> $2`, userID, targetID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `UPDATE conversations SET is_active = true, updated_at = now()
WHERE id = $1 RETURNING `+pgConversationColumns, targetID)
		out, err = scanPgConversation(row)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("switch conversation: %w", err)
	}
	return out, found, nil
}

func (s *PostgresStore) UpdateConversationModel(ctx context.Context, id int64, model string) error {
	return s.updateField(ctx, "model", id, model)
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	return s.updateField(ctx, "title", id, db.StringToText(title))
}

func (s *PostgresStore) UpdateConversationSystemPrompt(ctx context.Context, id int64, prompt string) error {
	return s.updateField(ctx, "system_prompt", id, db.StringToText(prompt))
}

// column is always one of the literals above.
func (s *PostgresStore) updateField(ctx context.Context, column string, id int64, value any) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversations SET `+column+` = $2, updated_at = now() WHERE id = $1`, id, value)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", column, err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgConversationColumns+`
FROM conversations WHERE user_id = $1
ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanPgConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		items = append(items, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, name string) (User, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO users (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, created_at`, name)
	user, err := scanPgUser(row)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) LinkIdentity(ctx context.Context, userID int64, channel, channelUID string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO channel_identities (user_id, channel, channel_uid) VALUES ($1, $2, $3)
ON CONFLICT (channel, channel_uid) DO UPDATE SET user_id = EXCLUDED.user_id`, userID, channel, channelUID)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

// withUserLock runs fn in a transaction holding the user's row lock, which
// serializes every activation change for that user.
func (s *PostgresStore) withUserLock(ctx context.Context, userID int64, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: unknown user %d", ErrInvalidArgument, userID)
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertPgConversation(ctx context.Context, tx pgx.Tx, userID int64, model, systemPrompt string) (Conversation, error) {
	row := tx.QueryRow(ctx, `
INSERT INTO conversations (user_id, thread_id, model, system_prompt, is_active)
VALUES ($1, $2, $3, $4, true)
RETURNING `+pgConversationColumns, userID, uuid.NewString(), model, db.StringToText(systemPrompt))
	conv, err := scanPgConversation(row)
	if db.IsUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("%w: user %d", ErrActiveConflict, userID)
	}
	return conv, err
}

func scanPgUser(row pgx.Row) (User, error) {
	var (
		user      User
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&user.ID, &user.Name, &createdAt); err != nil {
		return User{}, err
	}
	user.CreatedAt = db.TimeFromPg(createdAt)
	return user, nil
}

func scanPgConversation(row pgx.Row) (Conversation, error) {
	var (
		conv                 Conversation
		title, systemPrompt  pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &title, &conv.Model, &systemPrompt,
		&conv.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	conv.Title = db.TextToString(title)
	conv.SystemPrompt = db.TextToString(systemPrompt)
	conv.CreatedAt = db.TimeFromPg(createdAt)
	conv.UpdatedAt = db.TimeFromPg(updatedAt)
	return conv, nil
}
