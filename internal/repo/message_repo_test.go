package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

func newMsgRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("msg_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedConversation(t *testing.T, db *gorm.DB) string {
	t.Helper()
	bot := domain.Bot{ID: "b1", OrganizationID: "org1", Name: "Bot", IsActive: true}
	ch := domain.Channel{ID: "ch1", BotID: "b1", Type: domain.ChannelWeb, IsActive: true}
	if err := db.Create(&bot).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	conv, err := CreateConversation(context.Background(), db, "b1", "ch1", "u1")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv.ID
}

func TestCreateMessage_PersistsMetadata(t *testing.T) {
	db := newMsgRepoDB(t)
	convID := seedConversation(t, db)
	ctx := context.Background()

	rt := 1.25
	m, err := CreateMessage(ctx, db, convID, domain.RoleAssistant, "hello",
		domain.JSONMap{"is_welcome": true}, &rt)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if m.ID == "" || m.Role != domain.RoleAssistant {
		t.Fatalf("unexpected message: %+v", m)
	}
	got, err := GetMessage(ctx, db, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !got.Metadata.GetBool("is_welcome") || got.ResponseTime == nil || *got.ResponseTime != 1.25 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestListMessagesPage_IngestionOrder(t *testing.T) {
	db := newMsgRepoDB(t)
	convID := seedConversation(t, db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, content := range []string{"first", "second", "third"} {
		m := domain.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: convID,
			Role:           domain.RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	page, err := ListMessagesPage(ctx, db, convID, 0, 10)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 3 || page[0].Content != "first" || page[2].Content != "third" {
		t.Fatalf("unexpected order: %+v", page)
	}

	page, err = ListMessagesPage(ctx, db, convID, 1, 1)
	if err != nil || len(page) != 1 || page[0].Content != "second" {
		t.Fatalf("pagination broken: %+v, %v", page, err)
	}

	total, err := CountMessages(ctx, db, convID)
	if err != nil || total != 3 {
		t.Fatalf("CountMessages = %d, %v", total, err)
	}
}

func TestHasUserMessages(t *testing.T) {
	db := newMsgRepoDB(t)
	convID := seedConversation(t, db)
	ctx := context.Background()

	ok, err := HasUserMessages(ctx, db, convID)
	if err != nil || ok {
		t.Fatalf("expected no user messages yet, got %v, %v", ok, err)
	}
	if _, err := CreateMessage(ctx, db, convID, domain.RoleAssistant, "welcome", nil, nil); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	ok, err = HasUserMessages(ctx, db, convID)
	if err != nil || ok {
		t.Fatalf("assistant message must not count, got %v, %v", ok, err)
	}
	if _, err := CreateMessage(ctx, db, convID, domain.RoleUser, "hi", nil, nil); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	ok, err = HasUserMessages(ctx, db, convID)
	if err != nil || !ok {
		t.Fatalf("expected user messages, got %v, %v", ok, err)
	}
}

func TestListMessagesSince_FiltersRolesAndTime(t *testing.T) {
	db := newMsgRepoDB(t)
	convID := seedConversation(t, db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed := []struct {
		id   string
		role string
		at   time.Time
	}{
		{"m-old", domain.RoleUser, base.Add(-time.Hour)},
		{"m-user", domain.RoleUser, base.Add(time.Minute)},
		{"m-asst", domain.RoleAssistant, base.Add(2 * time.Minute)},
		{"m-sys", domain.RoleSystem, base.Add(3 * time.Minute)},
	}
	for _, s := range seed {
		m := domain.Message{ID: s.id, ConversationID: convID, Role: s.role, Content: "x", CreatedAt: s.at}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, err := ListMessagesSince(ctx, db, convID, base)
	if err != nil {
		t.Fatalf("ListMessagesSince: %v", err)
	}
	if len(out) != 2 || out[0].ID != "m-user" || out[1].ID != "m-asst" {
		t.Fatalf("unexpected result: %+v", out)
	}
}
