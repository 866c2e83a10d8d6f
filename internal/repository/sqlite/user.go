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

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, handle, display_name, avatar_ref, user_code, credential_hash, created_at, updated_at`

// CreateUser inserts a new user.
//
// HANDLE UNIQUENESS:
// We do NOT "SELECT then INSERT": two concurrent registrations could both
// pass the SELECT. The UNIQUE index on handle makes the INSERT itself the
// check: exactly one of two racing inserts succeeds, the other gets a
// constraint violation which we translate to a Conflict.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Handle,
		user.DisplayName,
		user.AvatarRef,
		user.UserCode,
		user.CredentialHash,
		toNanos(user.CreatedAt),
		toNanos(user.UpdatedAt),
	)
	if err != nil {
		user.ID = ""
		if isUniqueViolation(err, "users.handle") {
			return apperror.Conflict(apperror.ReasonHandleTaken,
				fmt.Sprintf("handle %q is already taken", user.Handle))
		}
		if isUniqueViolation(err, "users.user_code") {
			return apperror.Conflict(apperror.ReasonUserCodeTaken, "user code collision")
		}
		return translate("inserting user", err)
	}

	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "id", id)
}

// GetUserByHandle looks a user up by exact (case-sensitive) handle.
func (db *DB) GetUserByHandle(ctx context.Context, handle string) (*model.User, error) {
	return db.getUser(ctx, "handle", handle)
}

// GetUserByCode looks a user up by their shareable user code.
func (db *DB) GetUserByCode(ctx context.Context, code string) (*model.User, error) {
	return db.getUser(ctx, "user_code", code)
}

// getUser is shared by the three lookups. column is always one of our own
// constants, never user input, so building the WHERE clause is safe.
func (db *DB) getUser(ctx context.Context, column, value string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)

	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", value)
		}
		return nil, translate("getting user by "+column, err)
	}
	return u, nil
}

// UpdateUser writes the mutable profile fields.
//
// A rename hits the same UNIQUE index as registration, so it is just as
// race-free. Renaming to your own current handle is a no-op for the index
// because the row being updated already owns that value.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET handle = ?, display_name = ?, avatar_ref = ?, updated_at = ?
		 WHERE id = ?`,
		user.Handle,
		user.DisplayName,
		user.AvatarRef,
		toNanos(user.UpdatedAt),
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err, "users.handle") {
			return apperror.Conflict(apperror.ReasonHandleTaken,
				fmt.Sprintf("handle %q is already taken", user.Handle))
		}
		return translate("updating user "+user.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("user", user.ID)
	}
	return nil
}

// UpdateCredential replaces the stored credential hash.
func (db *DB) UpdateCredential(ctx context.Context, userID, credentialHash string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET credential_hash = ?, updated_at = ? WHERE id = ?`,
		credentialHash, toNanos(time.Now().UTC()), userID,
	)
	if err != nil {
		return translate("updating credential for "+userID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("user", userID)
	}
	return nil
}

// ListUsersByID returns the users with the given ids, ordered by handle.
// Unknown ids are silently skipped.
func (db *DB) ListUsersByID(ctx context.Context, ids []string) ([]model.User, error) {
	if len(ids) == 0 {
		return []model.User{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`) ORDER BY handle`,
		args...,
	)
	if err != nil {
		return nil, translate("listing users", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating users: %w", err)
	}
	return users, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u         model.User
		avatar    sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := s.Scan(
		&u.ID,
		&u.Handle,
		&u.DisplayName,
		&avatar,
		&u.UserCode,
		&u.CredentialHash,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	u.AvatarRef = nullableString(avatar)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	return &u, nil
}
