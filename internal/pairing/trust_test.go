package pairing

import (
	"testing"

	"github.com/privstack/core/internal/ids"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestApprovePeerMovesDiscoveredToTrusted(t *testing.T) {
	mgr := newTestManager(t)
	peer := ids.NewPeerId()
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "phone", Status: StatusPendingLocalApproval})

	trusted, err := mgr.ApprovePeer(peer)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if trusted.DeviceName != "phone" {
		t.Fatalf("unexpected device name: %s", trusted.DeviceName)
	}
	if !mgr.IsTrusted(peer) {
		t.Fatal("peer should be trusted after approval")
	}
	if _, ok := mgr.GetDiscoveredPeer(peer); ok {
		t.Fatal("peer should no longer be in the discovered set")
	}
}

func TestApprovePeerPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	peer := ids.NewPeerId()
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "laptop"})
	if _, err := mgr.ApprovePeer(peer); err != nil {
		t.Fatalf("approve: %v", err)
	}

	reloaded, err := NewManager(dir)
	if err != nil {
		t.Fatalf("reload manager: %v", err)
	}
	if !reloaded.IsTrusted(peer) {
		t.Fatal("trust should survive a reload")
	}
}

func TestRemoveTrustedPeerRevokes(t *testing.T) {
	mgr := newTestManager(t)
	peer := ids.NewPeerId()
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "tablet"})
	if _, err := mgr.ApprovePeer(peer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := mgr.RemoveTrustedPeer(peer); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if mgr.IsTrusted(peer) {
		t.Fatal("peer should no longer be trusted after revocation")
	}
}

func TestAddDiscoveredPeerSkipsAlreadyTrusted(t *testing.T) {
	mgr := newTestManager(t)
	peer := ids.NewPeerId()
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "tv"})
	if _, err := mgr.ApprovePeer(peer); err != nil {
		t.Fatalf("approve: %v", err)
	}

	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "tv", Status: StatusPendingLocalApproval})
	if _, ok := mgr.GetDiscoveredPeer(peer); ok {
		t.Fatal("an already-trusted peer should not reappear as discovered")
	}
}

func TestSetSyncCodeClearsDiscoveredPeers(t *testing.T) {
	mgr := newTestManager(t)
	codeA, _ := GenerateSyncCode()
	mgr.SetSyncCode(codeA)
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: ids.NewPeerId(), DeviceName: "under-code-a"})

	codeB, _ := GenerateSyncCode()
	mgr.SetSyncCode(codeB)
	if len(mgr.DiscoveredPeers()) != 0 {
		t.Fatal("switching sync codes should clear peers discovered under the old one")
	}
	got, _ := mgr.CurrentCode()
	if got.Code != codeB.Code {
		t.Fatal("current code should be the newly set one")
	}
}

func TestMarkPeerSyncedRecordsTimestamp(t *testing.T) {
	mgr := newTestManager(t)
	peer := ids.NewPeerId()
	mgr.AddDiscoveredPeer(DiscoveredPeer{PeerID: peer, DeviceName: "watch"})
	if _, err := mgr.ApprovePeer(peer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	mgr.MarkPeerSynced(peer)

	got, ok := mgr.GetTrustedPeer(peer)
	if !ok {
		t.Fatal("peer should still be trusted")
	}
	if got.LastSynced == nil {
		t.Fatal("expected LastSynced to be set")
	}
}
