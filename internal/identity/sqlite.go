package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/deepmax/internal/db"
)

const sqliteConversationColumns = `id, user_id, thread_id, title, model, system_prompt, is_active, created_at, updated_at`

// SQLiteStore implements Store on a database/sql handle opened with the
// modernc driver. The handle must be limited to a single connection; each
// mutation then runs in a transaction that excludes every other writer.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a store backed by conn. The handle stays owned by the caller.
func NewSQLiteStore(log *slog.Logger, conn *sql.DB) *SQLiteStore {
	if log == nil {
		log = slog.Default()
	}
	return &SQLiteStore{
		db:     conn,
		logger: log.With(slog.String("store", "sqlite")),
		now:    time.Now,
	}
}

func (s *SQLiteStore) stamp() int64 {
	return s.now().UTC().UnixNano()
}

func (s *SQLiteStore) Resolve(ctx context.Context, channel, channelUID string) (User, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.name, u.created_at
FROM channel_identities ci
JOIN users u ON u.id = ci.user_id
WHERE ci.channel = ? AND ci.channel_uid = ?`, channel, channelUID)
	user, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("resolve identity: %w", err)
	}
	return user, true, nil
}

func (s *SQLiteStore) ActiveConversation(ctx context.Context, userID int64) (Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteConversationColumns+`
FROM conversations WHERE user_id = ? AND is_active = 1`, userID)
	conv, err := scanSQLiteConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("get active conversation: %w", err)
	}
	return conv, true, nil
}

func (s *SQLiteStore) GetOrCreateActiveConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error) {
	var out Conversation
	err := s.inTx(ctx, userID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sqliteConversationColumns+`
FROM conversations WHERE user_id = ? AND is_active = 1`, userID)
		conv, err := scanSQLiteConversation(row)
		if err == nil {
			out = conv
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		out, err = s.insertConversation(ctx, tx, userID, model, systemPrompt)
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

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID int64, model, systemPrompt string) (Conversation, error) {
	var out Conversation
	err := s.inTx(ctx, userID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET is_active = 0 WHERE user_id = ? AND is_active = 1`, userID); err != nil {
			return err
		}
		var err error
		out, err = s.insertConversation(ctx, tx, userID, model, systemPrompt)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation created", slog.Int64("user_id", userID), slog.Int64("conversation_id", out.ID))
	return out, nil
}

func (s *SQLiteStore) SwitchConversation(ctx context.Context, userID, targetID int64) (Conversation, bool, error) {
	var (
		out   Conversation
		found bool
	)
	err := s.inTx(ctx, userID, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id = ?`, targetID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET is_active = 0 WHERE user_id = ? AND is_active = 1 AND id <> ?`, userID, targetID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `UPDATE conversations SET is_active = 1, updated_at = ?
WHERE id = ? RETURNING `+sqliteConversationColumns, s.stamp(), targetID)
		out, err = scanSQLiteConversation(row)
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

func (s *SQLiteStore) UpdateConversationModel(ctx context.Context, id int64, model string) error {
	return s.updateField(ctx, "model", id, model)
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	return s.updateField(ctx, "title", id, nullString(title))
}

func (s *SQLiteStore) UpdateConversationSystemPrompt(ctx context.Context, id int64, prompt string) error {
	return s.updateField(ctx, "system_prompt", id, nullString(prompt))
}

func (s *SQLiteStore) updateField(ctx context.Context, column string, id int64, value any) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", column, err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteConversationColumns+`
FROM conversations WHERE user_id = ?
ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanSQLiteConversation(rows)
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

func (s *SQLiteStore) EnsureUser(ctx context.Context, name string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO users (name, created_at) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET name = excluded.name
RETURNING id, name, created_at`, name, s.stamp())
	user, err := scanSQLiteUser(row)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) LinkIdentity(ctx context.Context, userID int64, channel, channelUID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channel_identities (user_id, channel, channel_uid, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT (channel, channel_uid) DO UPDATE SET user_id = excluded.user_id`, userID, channel, channelUID, s.stamp())
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, userID int64, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = ?`, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown user %d", ErrInvalidArgument, userID)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) insertConversation(ctx context.Context, tx *sql.Tx, userID int64, model, systemPrompt string) (Conversation, error) {
	ts := s.stamp()
	row := tx.QueryRowContext(ctx, `
INSERT INTO conversations (user_id, thread_id, model, system_prompt, is_active, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
RETURNING `+sqliteConversationColumns, userID, uuid.NewString(), model, nullString(systemPrompt), ts, ts)
	conv, err := scanSQLiteConversation(row)
	if db.IsUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("%w: user %d", ErrActiveConflict, userID)
	}
	return conv, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (User, error) {
	var (
		user      User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Name, &createdAt); err != nil {
		return User{}, err
	}
	user.CreatedAt = fromNanos(createdAt)
	return user, nil
}

func scanSQLiteConversation(row rowScanner) (Conversation, error) {
	var (
		conv                 Conversation
		title, systemPrompt  sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &title, &conv.Model, &systemPrompt,
		&conv.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	conv.Title = title.String
	conv.SystemPrompt = systemPrompt.String
	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	return conv, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
