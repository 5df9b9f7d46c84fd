package messaging

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"mission-control/internal/model"
)

func TestSave_AssignsIDAndTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO mission_control.messages")).
		WithArgs(sqlmock.AnyArg(), "tenant-1", "chan-1", "user-1", "Alice", "human", "hello", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	store := NewStore(db)
	msg, err := store.Save(context.Background(), model.Message{
		TenantID:   "tenant-1",
		ChannelID:  "chan-1",
		SenderID:   "user-1",
		SenderName: "Alice",
		SenderKind: model.SenderHuman,
		Content:    "hello",
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected generated message ID")
	}
	if !msg.CreatedAt.Equal(now) {
		t.Fatalf("expected created_at %v, got %v", now, msg.CreatedAt)
	}
}

func TestRecent_ReturnsOldestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	newer := time.Now()
	older := newer.Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"id", "sender_id", "sender_name", "sender_kind", "content", "mentions", "client_id", "created_at"}).
		AddRow("m2", "u1", "Alice", "human", "second", "{}", nil, newer).
		AddRow("m1", "u1", "Alice", "human", "first", "{}", nil, older)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, sender_id, sender_name, sender_kind, content, mentions, client_id, created_at")).
		WithArgs("tenant-1", "chan-1", 10).
		WillReturnRows(rows)

	store := NewStore(db)
	messages, err := store.Recent(context.Background(), "tenant-1", "chan-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Fatalf("expected oldest-first order, got %+v", messages)
	}
}
