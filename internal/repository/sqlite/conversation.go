package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

var _ repository.ConversationRepository = (*DB)(nil)

const (
	conversationColumns = `key, user_a, user_b, lock_hash, lock_version, wallpaper_ref, accent_ref, created_at`
	messageColumns      = `id, conversation_key, seq, sender_id, text, media_ref, created_at, read_at`
)

// EnsureConversation creates the conversation row on first use.
// ON CONFLICT DO NOTHING makes it safe for both participants to race here.
func (db *DB) EnsureConversation(ctx context.Context, key, userA, userB string) (*model.Conversation, error) {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO conversations (key, user_a, user_b, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, userA, userB, toNanos(time.Now().UTC()),
	)
	if err != nil {
		return nil, translate("creating conversation "+key, err)
	}
	return db.GetConversation(ctx, key)
}

func (db *DB) GetConversation(ctx context.Context, key string) (*model.Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE key = ?`, key)
	c, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("conversation", key)
		}
		return nil, translate("getting conversation "+key, err)
	}
	return c, nil
}

// SetLock stores the new lock hash (nil clears the lock) and bumps
// lock_version in the same statement. Every grant recorded against an
// older version stops matching from this point on.
func (db *DB) SetLock(ctx context.Context, key string, lockHash *string) (int64, error) {
	var version int64

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE conversations SET lock_hash = ?, lock_version = lock_version + 1 WHERE key = ?`,
			lockHash, key,
		)
		if err != nil {
			return translate("setting lock on "+key, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: checking rows affected: %w", err)
		}
		if n == 0 {
			return apperror.NotFound("conversation", key)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT lock_version FROM conversations WHERE key = ?`, key,
		).Scan(&version); err != nil {
			return translate("reading lock version", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// SetAppearance stores the wallpaper and accent references. Nil clears a
// field.
func (db *DB) SetAppearance(ctx context.Context, key string, wallpaperRef, accentRef *string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE conversations SET wallpaper_ref = ?, accent_ref = ? WHERE key = ?`,
		wallpaperRef, accentRef, key,
	)
	if err != nil {
		return translate("setting appearance on "+key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("conversation", key)
	}
	return nil
}

// AppendMessage assigns the next sequence number and a creation time that
// never precedes the conversation's previous message, then inserts.
//
// The clamp matters when the wall clock steps backwards: ordering by
// created_at must still agree with ordering by seq.
//
// A block between the participants is checked inside the same transaction,
// so a message can never be stored after the block committed.
func (db *DB) AppendMessage(ctx context.Context, msg *model.Message, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			lastSeq, lastAt int64
			blocked         bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT c.last_seq, c.last_at, EXISTS (
				SELECT 1 FROM blocks b
				WHERE (b.blocker_id = c.user_a AND b.target_id = c.user_b)
				   OR (b.blocker_id = c.user_b AND b.target_id = c.user_a)
			 )
			 FROM conversations c WHERE c.key = ?`, msg.ConversationKey,
		).Scan(&lastSeq, &lastAt, &blocked)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperror.NotFound("conversation", msg.ConversationKey)
			}
			return translate("reading conversation cursor", err)
		}
		if blocked {
			return apperror.Forbidden(apperror.ReasonBlocked, "messages cannot be sent while either of you blocks the other")
		}

		at := toNanos(now)
		if at < lastAt {
			at = lastAt
		}

		if msg.ID == "" {
			msg.ID = xid.New().String()
		}
		msg.Seq = lastSeq + 1
		msg.CreatedAt = fromNanos(at)
		msg.ReadAt = nil

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			msg.ID, msg.ConversationKey, msg.Seq, msg.SenderID,
			msg.Body.Text, msg.Body.MediaRef, at,
		)
		if err != nil {
			return translate("inserting message", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET last_seq = ?, last_at = ? WHERE key = ?`,
			msg.Seq, at, msg.ConversationKey,
		)
		if err != nil {
			return translate("advancing conversation cursor", err)
		}
		return nil
	})
}

func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("message", id)
		}
		return nil, translate("getting message "+id, err)
	}
	return m, nil
}

// ListMessages returns up to opts.Limit messages after opts.AfterSeq,
// oldest first, skipping anything the viewer deleted for themselves.
func (db *DB) ListMessages(ctx context.Context, key string, opts repository.MessageListOptions) ([]model.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.conversation_key = ? AND m.seq > ?
		   AND NOT EXISTS (
		       SELECT 1 FROM message_suppressions s
		       WHERE s.message_id = m.id AND s.viewer_id = ?
		   )
		 ORDER BY m.seq
		 LIMIT ?`,
		key, opts.AfterSeq, opts.ViewerID, limit,
	)
	if err != nil {
		return nil, translate("listing messages", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating messages: %w", err)
	}
	return messages, nil
}

// MarkRead stamps read_at on every unread message in the conversation that
// readerID did not send.
func (db *DB) MarkRead(ctx context.Context, key, readerID string, at time.Time) ([]string, error) {
	var ids []string

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM messages
			 WHERE conversation_key = ? AND sender_id != ? AND read_at IS NULL
			 ORDER BY seq`,
			key, readerID,
		)
		if err != nil {
			return translate("listing unread messages", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: scanning unread id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: iterating unread ids: %w", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET read_at = ?
			 WHERE conversation_key = ? AND sender_id != ? AND read_at IS NULL`,
			toNanos(at), key, readerID,
		)
		if err != nil {
			return translate("marking messages read", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteMessage removes a message for everyone. Suppression rows go with
// it through ON DELETE CASCADE.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return translate("deleting message "+id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("message", id)
	}
	return nil
}

// HideMessage hides a message from one viewer only. Hiding twice is fine.
func (db *DB) HideMessage(ctx context.Context, id, viewerID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO message_suppressions (message_id, viewer_id) VALUES (?, ?)
		 ON CONFLICT (message_id, viewer_id) DO NOTHING`,
		id, viewerID,
	)
	if err != nil {
		return translate("hiding message "+id, err)
	}
	return nil
}

// PurgeMessages deletes the whole history of a conversation. last_seq is
// left alone so sequence numbers are never reused after a purge.
func (db *DB) PurgeMessages(ctx context.Context, key string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_key = ?`, key)
	if err != nil {
		return 0, translate("purging "+key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n, nil
}

func scanConversation(s scanner) (*model.Conversation, error) {
	var (
		c         model.Conversation
		lockHash  sql.NullString
		wallpaper sql.NullString
		accent    sql.NullString
		createdAt int64
	)
	if err := s.Scan(&c.Key, &c.UserA, &c.UserB, &lockHash, &c.LockVersion,
		&wallpaper, &accent, &createdAt); err != nil {
		return nil, err
	}
	c.LockHash = nullableString(lockHash)
	c.Locked = c.LockHash != nil
	c.WallpaperRef = nullableString(wallpaper)
	c.AccentRef = nullableString(accent)
	c.CreatedAt = fromNanos(createdAt)
	return &c, nil
}

func scanMessage(s scanner) (*model.Message, error) {
	var (
		m         model.Message
		media     sql.NullString
		createdAt int64
		readAt    sql.NullInt64
	)
	if err := s.Scan(&m.ID, &m.ConversationKey, &m.Seq, &m.SenderID,
		&m.Body.Text, &media, &createdAt, &readAt); err != nil {
		return nil, err
	}
	m.Body.MediaRef = nullableString(media)
	m.CreatedAt = fromNanos(createdAt)
	m.ReadAt = nullableTime(readAt)
	return &m, nil
}
