package store

import (
	"context"
	"strings"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/model"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestUpsertDeviceKeepsIdentity(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	first := &model.Device{Protocol: "harmony", ExternalID: "99", Name: "TV", Capabilities: datatypes.JSON(`[]`)}
	if err := repo.UpsertDevice(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.ID.String() == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamps, got %+v", first)
	}

	again := &model.Device{Protocol: "harmony", ExternalID: "99", Name: "Living Room TV"}
	if err := repo.UpsertDevice(ctx, again); err != nil {
		t.Fatalf("update: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("upsert must reuse id: %s vs %s", again.ID, first.ID)
	}

	var count int64
	if err := repo.db.Model(&model.Device{}).Where("protocol = ?", "harmony").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	stored, err := repo.GetByExternal(ctx, "harmony", "99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if count != 1 || stored == nil || stored.Name != "Living Room TV" {
		t.Fatalf("count=%d stored=%+v", count, stored)
	}
}

func TestGetByExternalMissing(t *testing.T) {
	repo := openTestRepo(t)
	dev, err := repo.GetByExternal(context.Background(), "harmony", "nope")
	if err != nil || dev != nil {
		t.Fatalf("expected nil,nil got %v,%v", dev, err)
	}
}

func TestTouchOnline(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	if err := repo.UpsertDevice(ctx, &model.Device{Protocol: "harmony", ExternalID: "7", Name: "AVR"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.TouchOnline(ctx, "harmony", "7"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	dev, err := repo.GetByExternal(ctx, "harmony", "7")
	if err != nil || dev == nil {
		t.Fatalf("get: %v %v", dev, err)
	}
	if !dev.Online || dev.LastSeen.IsZero() {
		t.Fatalf("expected online device, got %+v", dev)
	}
}

func TestEntityStateRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveEntityState(ctx, "harmony.watch_tv", []byte(`{"on":true}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.SaveEntityState(ctx, "harmony.watch_tv", []byte(`{"on":false}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	var rows []EntityState
	if err := repo.db.Where(&EntityState{EntityID: "harmony.watch_tv"}).Find(&rows).Error; err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 || string(rows[0].State) != `{"on":false}` {
		t.Fatalf("rows=%+v", rows)
	}
}
