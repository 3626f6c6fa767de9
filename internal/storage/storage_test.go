package storage

import (
	"testing"

	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEventLogAppendIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	entity := ids.NewEntityId()
	peer := ids.NewPeerId()
	ev := event.Event{
		ID: ids.NewEventId(), EntityID: entity, Kind: event.KindEntityCreated,
		Author: peer, Timestamp: ids.HybridTimestamp{WallTime: 1000},
		Payload: event.Marshal(event.EntityCreatedPayload{Type: "note"}),
	}

	if err := db.Events.Append(ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Events.Append(ev); err != nil { // duplicate, must be a no-op
		t.Fatalf("duplicate append: %v", err)
	}

	got, err := db.Events.EventsForEntity(entity)
	if err != nil {
		t.Fatalf("events for entity: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected idempotent append to leave 1 event, got %d", len(got))
	}
}

func TestEventLogEventsSinceOrdering(t *testing.T) {
	db := openTestDB(t)
	entity := ids.NewEntityId()
	peer := ids.NewPeerId()

	for i, wall := range []int64{100, 200, 300} {
		ev := event.Event{
			ID: ids.NewEventId(), EntityID: entity, Kind: event.KindEntityUpdated,
			Author: peer, Timestamp: ids.HybridTimestamp{WallTime: wall},
			Payload: event.Marshal(event.EntityUpdatedPayload{}),
		}
		if err := db.Events.Append(ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	since, err := db.Events.EventsSince(ids.HybridTimestamp{WallTime: 150}, 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 events after wall=150, got %d", len(since))
	}
	if since[0].Timestamp.WallTime != 200 || since[1].Timestamp.WallTime != 300 {
		t.Fatalf("unexpected ordering: %+v", since)
	}
}

func TestEntityStorePutGetList(t *testing.T) {
	db := openTestDB(t)
	id := ids.NewEntityId()
	peer := ids.NewPeerId()
	entityType := model.EntityType("note")

	e := model.Entity{
		ID: id, Type: entityType, Body: []byte(`{"title":"hi"}`),
		UpdatedAt: ids.HybridTimestamp{WallTime: 10}, UpdatedBy: peer, Version: 1,
	}
	if err := db.Entities.Put(e); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := db.Entities.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != `{"title":"hi"}` {
		t.Fatalf("unexpected body: %s", got.Body)
	}

	list, err := db.Entities.List(ListFilter{Type: &entityType})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(list))
	}
}

func TestEntityStoreDeleteIsTombstone(t *testing.T) {
	db := openTestDB(t)
	id := ids.NewEntityId()
	peer := ids.NewPeerId()

	db.Entities.Put(model.Entity{ID: id, Type: "note", Body: []byte("{}"), UpdatedBy: peer})
	if err := db.Entities.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	list, err := db.Entities.List(ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatal("expected tombstoned entity to be excluded by default")
	}

	listAll, err := db.Entities.List(ListFilter{Deleted: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(listAll) != 1 || !listAll[0].Deleted {
		t.Fatal("expected tombstoned entity visible with Deleted:true")
	}
}

func TestEntityStoreGarbageCollectRespectsKeepSet(t *testing.T) {
	db := openTestDB(t)
	keepID := ids.NewEntityId()
	dropID := ids.NewEntityId()
	peer := ids.NewPeerId()

	for _, id := range []ids.EntityId{keepID, dropID} {
		db.Entities.Put(model.Entity{ID: id, Type: "note", Body: []byte("{}"), UpdatedBy: peer})
		db.Entities.Delete(id)
	}

	n, err := db.Entities.GarbageCollect(map[ids.EntityId]bool{keepID: true})
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row collected, got %d", n)
	}

	if _, err := db.Entities.Get(dropID); err == nil {
		t.Fatal("expected dropped tombstone to be gone")
	}
	if _, err := db.Entities.Get(keepID); err != nil {
		t.Fatalf("expected kept tombstone to survive: %v", err)
	}
}
