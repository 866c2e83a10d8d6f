package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

func newTestConversation(t *testing.T, db *DB) (*model.Conversation, *model.User, *model.User) {
	t.Helper()
	a := createTestUser(t, db, "alice")
	b := createTestUser(t, db, "bob")
	key := model.PairKey(a.ID, b.ID)
	ua, ub, _ := model.SplitPairKey(key)
	c, err := db.EnsureConversation(context.Background(), key, ua, ub)
	if err != nil {
		t.Fatalf("EnsureConversation() error = %v", err)
	}
	return c, a, b
}

func appendText(t *testing.T, db *DB, key, sender, text string, at time.Time) *model.Message {
	t.Helper()
	msg := &model.Message{ConversationKey: key, SenderID: sender, Body: model.MessageBody{Text: text}}
	if err := db.AppendMessage(context.Background(), msg, at); err != nil {
		t.Fatalf("AppendMessage(%q) error = %v", text, err)
	}
	return msg
}

// =========================================================================
// CONVERSATION TESTS
// =========================================================================

func TestEnsureConversation_Idempotent(t *testing.T) {
	db := newTestDB(t)
	c, _, _ := newTestConversation(t, db)

	again, err := db.EnsureConversation(context.Background(), c.Key, c.UserA, c.UserB)
	if err != nil {
		t.Fatalf("second EnsureConversation() error = %v", err)
	}
	if !again.CreatedAt.Equal(c.CreatedAt) {
		t.Error("EnsureConversation() recreated the row")
	}
	if again.Locked || again.LockVersion != 0 {
		t.Errorf("new conversation locked = %v version = %d", again.Locked, again.LockVersion)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetConversation(context.Background(), "a_b"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetConversation() error = %v, want ErrNotFound", err)
	}
}

func TestSetLock_BumpsVersion(t *testing.T) {
	db := newTestDB(t)
	c, _, _ := newTestConversation(t, db)
	ctx := context.Background()

	hash := "bcrypt-hash"
	v1, err := db.SetLock(ctx, c.Key, &hash)
	if err != nil {
		t.Fatalf("SetLock() error = %v", err)
	}
	got, _ := db.GetConversation(ctx, c.Key)
	if !got.Locked || got.LockHash == nil || *got.LockHash != hash {
		t.Errorf("after SetLock: locked = %v hash = %v", got.Locked, got.LockHash)
	}

	v2, err := db.SetLock(ctx, c.Key, nil)
	if err != nil {
		t.Fatalf("SetLock(nil) error = %v", err)
	}
	if v2 <= v1 {
		t.Errorf("clearing did not bump version: %d -> %d", v1, v2)
	}
	got, _ = db.GetConversation(ctx, c.Key)
	if got.Locked || got.LockVersion != v2 {
		t.Errorf("after clear: locked = %v version = %d", got.Locked, got.LockVersion)
	}

	if _, err := db.SetLock(ctx, "x_y", nil); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("SetLock(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSetAppearance(t *testing.T) {
	db := newTestDB(t)
	c, _, _ := newTestConversation(t, db)
	ctx := context.Background()

	wallpaper := "media/beach.jpg"
	if err := db.SetAppearance(ctx, c.Key, &wallpaper, nil); err != nil {
		t.Fatalf("SetAppearance() error = %v", err)
	}
	got, _ := db.GetConversation(ctx, c.Key)
	if got.WallpaperRef == nil || *got.WallpaperRef != wallpaper || got.AccentRef != nil {
		t.Errorf("appearance = %v / %v", got.WallpaperRef, got.AccentRef)
	}
}

// =========================================================================
// MESSAGE TESTS
// =========================================================================

func TestAppendMessage_SeqAndClock(t *testing.T) {
	db := newTestDB(t)
	c, a, b := newTestConversation(t, db)

	now := time.Now()
	first := appendText(t, db, c.Key, a.ID, "hi", now)
	// The clock goes backwards between the two sends.
	second := appendText(t, db, c.Key, b.ID, "hey", now.Add(-time.Minute))

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d, %d; want 1, 2", first.Seq, second.Seq)
	}
	if second.CreatedAt.Before(first.CreatedAt) {
		t.Errorf("CreatedAt went backwards: %v then %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	db := newTestDB(t)
	msg := &model.Message{ConversationKey: "x_y", SenderID: "x", Body: model.MessageBody{Text: "hi"}}
	if err := db.AppendMessage(context.Background(), msg, time.Now()); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("AppendMessage() error = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_RejectedWhileBlocked(t *testing.T) {
	for _, blockerIsA := range []bool{true, false} {
		t.Run(fmt.Sprintf("blocker_is_a=%v", blockerIsA), func(t *testing.T) {
			db := newTestDB(t)
			c, a, b := newTestConversation(t, db)
			ctx := context.Background()

			appendText(t, db, c.Key, a.ID, "before", time.Now())

			blocker, target := a, b
			if !blockerIsA {
				blocker, target = b, a
			}
			if _, err := db.Block(ctx, blocker.ID, target.ID, time.Now()); err != nil {
				t.Fatalf("Block() error = %v", err)
			}

			// Neither side can append, whoever placed the block.
			for _, sender := range []*model.User{a, b} {
				msg := &model.Message{ConversationKey: c.Key, SenderID: sender.ID, Body: model.MessageBody{Text: "after"}}
				err := db.AppendMessage(ctx, msg, time.Now())
				if !errors.Is(err, apperror.ErrForbidden) || apperror.ReasonOf(err) != apperror.ReasonBlocked {
					t.Errorf("AppendMessage(from %s) error = %v, want Forbidden(Blocked)", sender.Handle, err)
				}
			}

			msgs, err := db.ListMessages(ctx, c.Key, repository.MessageListOptions{Limit: 10})
			if err != nil {
				t.Fatalf("ListMessages() error = %v", err)
			}
			if len(msgs) != 1 {
				t.Errorf("stored %d messages, want only the one sent before the block", len(msgs))
			}
		})
	}
}

func TestListMessages_Paging(t *testing.T) {
	db := newTestDB(t)
	c, a, _ := newTestConversation(t, db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendText(t, db, c.Key, a.ID, fmt.Sprintf("m%d", i), time.Now())
	}

	page1, err := db.ListMessages(ctx, c.Key, repository.MessageListOptions{Limit: 2, ViewerID: a.ID})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page1) != 2 || page1[0].Body.Text != "m0" || page1[1].Body.Text != "m1" {
		t.Fatalf("page1 = %+v", page1)
	}

	page2, _ := db.ListMessages(ctx, c.Key, repository.MessageListOptions{
		Limit: 10, AfterSeq: page1[1].Seq, ViewerID: a.ID,
	})
	if len(page2) != 3 || page2[0].Body.Text != "m2" {
		t.Fatalf("page2 = %+v", page2)
	}
}

func TestMarkRead(t *testing.T) {
	db := newTestDB(t)
	c, a, b := newTestConversation(t, db)
	ctx := context.Background()

	mine := appendText(t, db, c.Key, b.ID, "from bob", time.Now())
	theirs := appendText(t, db, c.Key, a.ID, "from alice", time.Now())

	ids, err := db.MarkRead(ctx, c.Key, b.ID, time.Now())
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != theirs.ID {
		t.Errorf("MarkRead() ids = %v, want [%s]", ids, theirs.ID)
	}

	got, _ := db.GetMessage(ctx, theirs.ID)
	if got.ReadAt == nil {
		t.Error("received message not marked read")
	}
	got, _ = db.GetMessage(ctx, mine.ID)
	if got.ReadAt != nil {
		t.Error("reader's own message was marked read")
	}

	ids, _ = db.MarkRead(ctx, c.Key, b.ID, time.Now())
	if len(ids) != 0 {
		t.Errorf("second MarkRead() ids = %v, want none", ids)
	}
}

func TestHideMessage_PerViewer(t *testing.T) {
	db := newTestDB(t)
	c, a, b := newTestConversation(t, db)
	ctx := context.Background()

	msg := appendText(t, db, c.Key, a.ID, "oops", time.Now())

	if err := db.HideMessage(ctx, msg.ID, a.ID); err != nil {
		t.Fatalf("HideMessage() error = %v", err)
	}
	if err := db.HideMessage(ctx, msg.ID, a.ID); err != nil {
		t.Fatalf("second HideMessage() error = %v", err)
	}

	forA, _ := db.ListMessages(ctx, c.Key, repository.MessageListOptions{Limit: 10, ViewerID: a.ID})
	forB, _ := db.ListMessages(ctx, c.Key, repository.MessageListOptions{Limit: 10, ViewerID: b.ID})
	if len(forA) != 0 {
		t.Errorf("hider still sees %d messages", len(forA))
	}
	if len(forB) != 1 {
		t.Errorf("other participant sees %d messages, want 1", len(forB))
	}
}

func TestDeleteMessage(t *testing.T) {
	db := newTestDB(t)
	c, a, b := newTestConversation(t, db)
	ctx := context.Background()

	msg := appendText(t, db, c.Key, a.ID, "bye", time.Now())
	db.HideMessage(ctx, msg.ID, b.ID)

	if err := db.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	if _, err := db.GetMessage(ctx, msg.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetMessage() after delete error = %v, want ErrNotFound", err)
	}
	if err := db.DeleteMessage(ctx, msg.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second DeleteMessage() error = %v, want ErrNotFound", err)
	}
}

func TestPurgeMessages_SeqNotReused(t *testing.T) {
	db := newTestDB(t)
	c, a, _ := newTestConversation(t, db)
	ctx := context.Background()

	appendText(t, db, c.Key, a.ID, "one", time.Now())
	last := appendText(t, db, c.Key, a.ID, "two", time.Now())

	n, err := db.PurgeMessages(ctx, c.Key)
	if err != nil || n != 2 {
		t.Fatalf("PurgeMessages() = %d, %v; want 2, nil", n, err)
	}
	left, _ := db.ListMessages(ctx, c.Key, repository.MessageListOptions{Limit: 10})
	if len(left) != 0 {
		t.Errorf("%d messages survived purge", len(left))
	}

	next := appendText(t, db, c.Key, a.ID, "three", time.Now())
	if next.Seq <= last.Seq {
		t.Errorf("seq after purge = %d, want > %d", next.Seq, last.Seq)
	}
}
