package engine

import (
	"encoding/json"
	"testing"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/envelope"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

func TestCreateEntityGrantsOwnerAndStoresBody(t *testing.T) {
	peer := ids.NewPeerId()
	te := newTestEngine(t, peer)

	ev, err := te.engine.CreateEntity(model.EntityType("note"), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if ev.Kind != event.KindEntityCreated {
		t.Fatalf("expected entity_created event, got %s", ev.Kind)
	}
	if !te.policy.IsOwner(ev.EntityID, peer) {
		t.Fatal("creator should be owner of the new entity")
	}

	got, err := te.db.Entities.Get(ev.EntityID)
	if err != nil {
		t.Fatalf("entity missing after create: %v", err)
	}
	if string(got.Body) != `{"title":"hi"}` {
		t.Fatalf("unexpected body: %s", got.Body)
	}
}

func TestUpdateEntityRejectsNonWriter(t *testing.T) {
	owner := ids.NewPeerId()
	te := newTestEngine(t, owner)

	ev, err := te.engine.CreateEntity(model.EntityType("note"), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}

	stranger := ids.NewPeerId()
	strangerEngine := New(Config{
		LocalPeerID: stranger,
		DeviceName:  "stranger-device",
		Transport:   newMemTransport(stranger),
		Store:       te.db,
		Applicator:  te.engine.cfg.Applicator,
		Policy:      te.policy,
		Encryptor:   envelope.Passthrough{},
	})

	if _, err := strangerEngine.UpdateEntity(ev.EntityID, json.RawMessage(`{"title":"stolen"}`)); err == nil {
		t.Fatal("expected update by non-writer to be rejected")
	} else if _, ok := err.(acl.ErrAccessDenied); !ok {
		t.Fatalf("expected ErrAccessDenied, got %T: %v", err, err)
	}
}

func TestUpdateEntityAppliesNewBody(t *testing.T) {
	peer := ids.NewPeerId()
	te := newTestEngine(t, peer)

	ev, err := te.engine.CreateEntity(model.EntityType("note"), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if _, err := te.engine.UpdateEntity(ev.EntityID, json.RawMessage(`{"title":"bye"}`)); err != nil {
		t.Fatalf("update entity: %v", err)
	}
	got, err := te.db.Entities.Get(ev.EntityID)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if string(got.Body) != `{"title":"bye"}` {
		t.Fatalf("unexpected body after update: %s", got.Body)
	}
}

func TestDeleteEntityTombstones(t *testing.T) {
	peer := ids.NewPeerId()
	te := newTestEngine(t, peer)

	ev, err := te.engine.CreateEntity(model.EntityType("note"), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	if _, err := te.engine.DeleteEntity(ev.EntityID); err != nil {
		t.Fatalf("delete entity: %v", err)
	}
	got, err := te.db.Entities.Get(ev.EntityID)
	if err != nil {
		t.Fatalf("get tombstoned entity: %v", err)
	}
	if !got.Deleted {
		t.Fatal("expected entity to be marked deleted")
	}
}

func TestGrantAndRevokeAccessRequireAdmin(t *testing.T) {
	owner := ids.NewPeerId()
	te := newTestEngine(t, owner)

	ev, err := te.engine.CreateEntity(model.EntityType("note"), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}

	viewer := ids.NewPeerId()
	if _, err := te.engine.GrantAccess(ev.EntityID, event.Subject{Peer: viewer}, event.RoleViewer); err != nil {
		t.Fatalf("grant access: %v", err)
	}
	if !te.policy.CanRead(ev.EntityID, viewer) {
		t.Fatal("viewer should be able to read after grant")
	}
	if te.policy.CanWrite(ev.EntityID, viewer) {
		t.Fatal("viewer should not be able to write")
	}

	if _, err := te.engine.RevokeAccess(ev.EntityID, event.Subject{Peer: viewer}); err != nil {
		t.Fatalf("revoke access: %v", err)
	}
	if te.policy.CanRead(ev.EntityID, viewer) {
		t.Fatal("viewer should lose read access after revoke")
	}
}
