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

var _ repository.RelationshipRepository = (*DB)(nil)

const relationshipColumns = `id, from_id, to_id, state, created_at, updated_at`

// CreateRequest inserts a pending friend request.
//
// Every precondition is re-checked inside the transaction, in the order
// the product requires: blocks first (either direction), then an existing
// friendship, then a pending request in either direction. Because the pool
// has a single connection, nothing can slip in between the checks and the
// INSERT.
func (db *DB) CreateRequest(ctx context.Context, rel *model.Relationship) error {
	now := time.Now().UTC()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		blocked, err := isBlockedTx(ctx, tx, rel.FromID, rel.ToID)
		if err != nil {
			return err
		}
		if blocked {
			return apperror.Forbidden(apperror.ReasonBlocked, "you cannot send a friend request to this user")
		}

		existing, err := getByPairTx(ctx, tx, rel.FromID, rel.ToID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if existing != nil {
			if existing.State == model.StateAccepted {
				return apperror.Conflict(apperror.ReasonAlreadyFriends, "you are already friends")
			}
			return apperror.Conflict(apperror.ReasonDuplicatePending, "a friend request between you is already pending")
		}

		rel.ID = xid.New().String()
		rel.State = model.StatePending
		rel.CreatedAt = now
		rel.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO relationships (id, pair_key, from_id, to_id, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rel.ID, model.PairKey(rel.FromID, rel.ToID), rel.FromID, rel.ToID,
			string(rel.State), toNanos(now), toNanos(now),
		)
		if err != nil {
			if isUniqueViolation(err, "relationships.pair_key") {
				return apperror.Conflict(apperror.ReasonDuplicatePending, "a friend request between you is already pending")
			}
			return translate("inserting friend request", err)
		}
		return nil
	})
}

// GetRelationship returns a pending or accepted edge by id.
func (db *DB) GetRelationship(ctx context.Context, id string) (*model.Relationship, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	rel, err := scanRelationship(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("friend request", id)
		}
		return nil, translate("getting relationship "+id, err)
	}
	return rel, nil
}

// Accept flips a pending request to accepted.
//
// A friendship is ONE row that both users' friend lists read from, so there
// is no moment where only one side sees it.
func (db *DB) Accept(ctx context.Context, id string, at time.Time) (*model.Relationship, error) {
	var rel *model.Relationship

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
		var err error
		rel, err = scanRelationship(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperror.NotFound("friend request", id)
			}
			return translate("loading friend request", err)
		}
		if rel.State == model.StateAccepted {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE relationships SET state = ?, updated_at = ? WHERE id = ?`,
			string(model.StateAccepted), toNanos(at), id,
		)
		if err != nil {
			return translate("accepting friend request", err)
		}
		rel.State = model.StateAccepted
		rel.UpdatedAt = at.UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// DeletePending removes a pending request. Deleting a request that no
// longer exists is not an error; the bool tells the caller whether
// anything changed.
func (db *DB) DeletePending(ctx context.Context, id string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM relationships WHERE id = ? AND state = ?`, id, string(model.StatePending))
	if err != nil {
		return false, translate("deleting friend request "+id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n > 0, nil
}

// Block records blockerID's block on targetID and removes any pending or
// accepted edge between them, in one transaction.
func (db *DB) Block(ctx context.Context, blockerID, targetID string, at time.Time) (*model.Relationship, error) {
	var removed *model.Relationship

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getByPairTx(ctx, tx, blockerID, targetID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if existing != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, existing.ID); err != nil {
				return translate("removing edge while blocking", err)
			}
			removed = existing
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO blocks (blocker_id, target_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (blocker_id, target_id) DO NOTHING`,
			blockerID, targetID, toNanos(at),
		)
		if err != nil {
			return translate("inserting block", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Unblock removes blockerID's block on targetID. Blocks placed by the other
// user are untouched.
func (db *DB) Unblock(ctx context.Context, blockerID, targetID string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = ? AND target_id = ?`, blockerID, targetID)
	if err != nil {
		return false, translate("deleting block", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n > 0, nil
}

// IsBlocked reports whether either user has blocked the other.
func (db *DB) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks
		 WHERE (blocker_id = ? AND target_id = ?) OR (blocker_id = ? AND target_id = ?)`,
		a, b, b, a,
	).Scan(&count)
	if err != nil {
		return false, translate("checking block", err)
	}
	return count > 0, nil
}

// ListFriends returns every accepted edge touching userID.
func (db *DB) ListFriends(ctx context.Context, userID string) ([]model.Relationship, error) {
	return db.queryRelationships(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE state = ? AND (from_id = ? OR to_id = ?)
		 ORDER BY updated_at`,
		string(model.StateAccepted), userID, userID,
	)
}

// ListBlocked returns the blocks userID has placed, projected as
// relationships in the blocked state.
func (db *DB) ListBlocked(ctx context.Context, userID string) ([]model.Relationship, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT blocker_id, target_id, created_at FROM blocks WHERE blocker_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, translate("listing blocks", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var (
			rel model.Relationship
			at  int64
		)
		if err := rows.Scan(&rel.FromID, &rel.ToID, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scanning block row: %w", err)
		}
		rel.ID = model.PairKey(rel.FromID, rel.ToID)
		rel.State = model.StateBlocked
		rel.CreatedAt = fromNanos(at)
		rel.UpdatedAt = rel.CreatedAt
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating blocks: %w", err)
	}
	return out, nil
}

// ListPending returns pending requests addressed to userID (incoming) and
// sent by userID (outgoing).
func (db *DB) ListPending(ctx context.Context, userID string) ([]model.Relationship, []model.Relationship, error) {
	all, err := db.queryRelationships(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE state = ? AND (from_id = ? OR to_id = ?)
		 ORDER BY created_at`,
		string(model.StatePending), userID, userID,
	)
	if err != nil {
		return nil, nil, err
	}

	var incoming, outgoing []model.Relationship
	for _, rel := range all {
		if rel.ToID == userID {
			incoming = append(incoming, rel)
		} else {
			outgoing = append(outgoing, rel)
		}
	}
	return incoming, outgoing, nil
}

func (db *DB) queryRelationships(ctx context.Context, query string, args ...any) ([]model.Relationship, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("listing relationships", err)
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning relationship row: %w", err)
		}
		out = append(out, *rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating relationships: %w", err)
	}
	return out, nil
}

func isBlockedTx(ctx context.Context, tx *sql.Tx, a, b string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks
		 WHERE (blocker_id = ? AND target_id = ?) OR (blocker_id = ? AND target_id = ?)`,
		a, b, b, a,
	).Scan(&count)
	if err != nil {
		return false, translate("checking block", err)
	}
	return count > 0, nil
}

func getByPairTx(ctx context.Context, tx *sql.Tx, a, b string) (*model.Relationship, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE pair_key = ?`, model.PairKey(a, b))
	rel, err := scanRelationship(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("relationship", model.PairKey(a, b))
		}
		return nil, translate("getting relationship by pair", err)
	}
	return rel, nil
}

func scanRelationship(s scanner) (*model.Relationship, error) {
	var (
		rel       model.Relationship
		state     string
		createdAt int64
		updatedAt int64
	)
	if err := s.Scan(&rel.ID, &rel.FromID, &rel.ToID, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rel.State = model.RelationshipState(state)
	rel.CreatedAt = fromNanos(createdAt)
	rel.UpdatedAt = fromNanos(updatedAt)
	return &rel, nil
}
