// Command privstackd is the reference daemon/CLI over internal/engine: a
// local-first, end-to-end-encrypted entity store that syncs peer to peer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/applicator"
	"github.com/privstack/core/internal/engine"
	"github.com/privstack/core/internal/event"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pairing"
	"github.com/privstack/core/internal/storage"
	"github.com/privstack/core/internal/transport"
	"github.com/privstack/core/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		cmdInit(args)
	case "status":
		cmdStatus(args)
	case "create":
		cmdCreate(args)
	case "get":
		cmdGet(args)
	case "list":
		cmdList(args)
	case "update":
		cmdUpdate(args)
	case "delete":
		cmdDelete(args)
	case "grant":
		cmdGrant(args)
	case "revoke":
		cmdRevoke(args)
	case "daemon":
		cmdDaemon(args)
	case "discover":
		cmdDiscover(args)
	case "trust":
		cmdTrust(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`privstackd - local-first encrypted entity store with P2P sync

Usage: privstackd <command> [options]

Vault:
  init                 Initialize the default vault (prompts for a password)
  status               Show vault status (entity count, local peer id)

Entities:
  create --type note --body '{"title":"hi"}'
  list   [--type note]
  get    <entity-id>
  update <entity-id> --body '{"title":"bye"}'
  delete <entity-id>
  grant  <entity-id> <peer-id> <viewer|editor|admin|owner>
  revoke <entity-id> <peer-id>

Sync:
  daemon               Start the sync daemon (LAN discovery + optional DHT)
  discover             List peers discovered by a running daemon
  trust <peer-id>      Approve a discovered peer so it can sync

All commands accept --data <dir> (default: ~/.privstackd).`)
}

// defaultSchemas is an empty schema registry: every entity type falls back
// to the applicator's default whole-document LWW strategy, which is all a
// generic CLI needs — a real deployment would register JSON Schemas per
// entity type it knows about.
type defaultSchemas struct{}

func (defaultSchemas) SchemaFor(model.EntityType) (model.EntitySchema, bool) {
	return model.EntitySchema{}, false
}

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

// dataDir resolves --data from args, defaulting to ~/.privstackd.
func dataDir(args []string) string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".privstackd")
	for i, a := range args {
		if a == "--data" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return dir
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return line, err
	}
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	return string(pw), err
}

func openVaultManager(dir string) (*vault.Manager, error) {
	return vault.NewManager(dir)
}

// defaultVault opens (creating if necessary) the CLI's single "default"
// vault, following the teacher's single-vault-by-default vaultd convention
// even though vault.Manager supports many.
func defaultVault(dir string) (*vault.Vault, error) {
	mgr, err := openVaultManager(dir)
	if err != nil {
		return nil, err
	}
	v, err := mgr.Get("default")
	if err != nil {
		return mgr.Create("default")
	}
	return v, nil
}

func unlockDefaultVault(dir string) (*vault.Vault, error) {
	v, err := defaultVault(dir)
	if err != nil {
		return nil, err
	}
	if !v.IsInitialized() {
		return nil, fmt.Errorf("vault not initialized; run 'privstackd init' first")
	}
	if v.IsUnlocked() {
		return v, nil
	}
	pw, err := readPassword("🔒 Enter password: ")
	if err != nil {
		return nil, err
	}
	if err := v.Unlock(pw); err != nil {
		return nil, err
	}
	return v, nil
}

// localPeerID loads (or mints and persists) a stable device identity under
// dir, so locally authored events keep one consistent author across CLI
// invocations. A running daemon instead uses transport.P2P.LocalPeerID,
// which is derived from its libp2p host identity.
func localPeerID(dir string) (ids.PeerId, error) {
	path := filepath.Join(dir, "peer_id")
	data, err := os.ReadFile(path)
	if err == nil {
		return ids.ParsePeerId(string(data))
	}
	id := ids.NewPeerId()
	if err := os.WriteFile(path, []byte(id.String()), 0600); err != nil {
		return ids.PeerId{}, err
	}
	return id, nil
}

// localHandle bundles what every offline (non-daemon) entity command needs:
// the unlocked vault, its event/entity store, and an Engine wired with a
// nil transport — enough to drive CreateEntity/UpdateEntity/DeleteEntity/
// GrantAccess/RevokeAccess locally; SyncWith/Serve require a real
// transport and are only available under 'daemon'.
type localHandle struct {
	peerID ids.PeerId
	db     *storage.DB
	policy *acl.Policy
	engine *engine.Engine
	close  func()
}

func openLocal(v *vault.Vault) (*localHandle, error) {
	peerID, err := localPeerID(v.DataDir())
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(filepath.Join(v.DataDir(), "store.db"))
	if err != nil {
		return nil, err
	}
	policy := acl.NewPolicy()
	app := applicator.New(db, defaultSchemas{})
	eng := engine.New(engine.Config{
		LocalPeerID: peerID,
		DeviceName:  "privstackd-cli",
		Store:       db,
		Applicator:  app,
		Policy:      policy,
		Encryptor:   v.Encryptor(),
		Logger:      stdLogger{},
	})
	return &localHandle{peerID: peerID, db: db, policy: policy, engine: eng, close: func() { db.Close() }}, nil
}

func cmdInit(args []string) {
	dir := dataDir(args)
	v, err := defaultVault(dir)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	if v.IsInitialized() {
		fmt.Println("Vault already initialized.")
		return
	}

	pass1, err := readPassword("Enter new password: ")
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	pass2, err := readPassword("Confirm password: ")
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	if pass1 != pass2 {
		fmt.Println("Passwords do not match!")
		os.Exit(1)
	}
	if err := v.Initialize(pass1); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Vault initialized at %s\n", v.DataDir())
}

func cmdStatus(args []string) {
	dir := dataDir(args)
	v, err := defaultVault(dir)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	fmt.Println("📊 privstackd status")
	fmt.Println("────────────────────")
	fmt.Printf("  Data dir:    %s\n", v.DataDir())
	fmt.Printf("  Initialized: %v\n", v.IsInitialized())
	fmt.Printf("  Unlocked:    %v\n", v.IsUnlocked())
	if !v.IsInitialized() {
		return
	}
	if v, err = unlockDefaultVault(dir); err != nil {
		log.Fatalf("unlock: %v", err)
	}
	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	entities, err := h.db.Entities.List(storage.ListFilter{})
	if err != nil {
		log.Fatalf("list entities: %v", err)
	}
	fmt.Printf("  Entities:    %d\n", len(entities))
	fmt.Printf("  Local peer:  %s\n", h.peerID)
}

func cmdCreate(args []string) {
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	typeStr := fs.String("type", "note", "Entity type")
	body := fs.String("body", "{}", "JSON body")
	fs.Parse(stripDataFlag(args))

	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	ev, err := h.engine.CreateEntity(model.EntityType(*typeStr), json.RawMessage(*body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created %s\n", ev.EntityID)
}

func cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd get <entity-id>")
		os.Exit(1)
	}
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	id, err := ids.ParseEntityId(args[0])
	if err != nil {
		log.Fatalf("invalid entity id: %v", err)
	}
	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	e, err := h.db.Entities.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ID:      %s\n", e.ID)
	fmt.Printf("Type:    %s\n", e.Type)
	fmt.Printf("Version: %d\n", e.Version)
	fmt.Printf("Deleted: %v\n", e.Deleted)
	fmt.Printf("Body:    %s\n", e.Body)
}

func cmdList(args []string) {
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	typeStr := fs.String("type", "", "Filter by type")
	fs.Parse(stripDataFlag(args))

	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	filter := storage.ListFilter{}
	if *typeStr != "" {
		t := model.EntityType(*typeStr)
		filter.Type = &t
	}
	entities, err := h.db.Entities.List(filter)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	if len(entities) == 0 {
		fmt.Println("No entities found.")
		return
	}
	for _, e := range entities {
		fmt.Printf("%s [%s] %s\n", e.ID, e.Type, truncate(string(e.Body), 60))
	}
}

func cmdUpdate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd update <entity-id> --body '<json>'")
		os.Exit(1)
	}
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	id, err := ids.ParseEntityId(args[0])
	if err != nil {
		log.Fatalf("invalid entity id: %v", err)
	}
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	body := fs.String("body", "", "New JSON body")
	fs.Parse(stripDataFlag(args[1:]))
	if *body == "" {
		fmt.Fprintln(os.Stderr, "--body is required")
		os.Exit(1)
	}

	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	if _, err := h.engine.UpdateEntity(id, json.RawMessage(*body)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Updated.")
}

func cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd delete <entity-id>")
		os.Exit(1)
	}
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	id, err := ids.ParseEntityId(args[0])
	if err != nil {
		log.Fatalf("invalid entity id: %v", err)
	}
	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	if _, err := h.engine.DeleteEntity(id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Deleted.")
}

func parseRole(s string) (event.Role, error) {
	switch event.Role(s) {
	case event.RoleViewer, event.RoleEditor, event.RoleAdmin, event.RoleOwner:
		return event.Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (want viewer|editor|admin|owner)", s)
	}
}

func cmdGrant(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd grant <entity-id> <peer-id> <viewer|editor|admin|owner>")
		os.Exit(1)
	}
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	entityID, err := ids.ParseEntityId(args[0])
	if err != nil {
		log.Fatalf("invalid entity id: %v", err)
	}
	peerID, err := ids.ParsePeerId(args[1])
	if err != nil {
		log.Fatalf("invalid peer id: %v", err)
	}
	role, err := parseRole(args[2])
	if err != nil {
		log.Fatalf("%v", err)
	}

	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	if _, err := h.engine.GrantAccess(entityID, event.Subject{Peer: peerID}, role); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Granted %s to %s.\n", role, peerID)
}

func cmdRevoke(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd revoke <entity-id> <peer-id>")
		os.Exit(1)
	}
	dir := dataDir(args)
	v, err := unlockDefaultVault(dir)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}
	entityID, err := ids.ParseEntityId(args[0])
	if err != nil {
		log.Fatalf("invalid entity id: %v", err)
	}
	peerID, err := ids.ParsePeerId(args[1])
	if err != nil {
		log.Fatalf("invalid peer id: %v", err)
	}

	h, err := openLocal(v)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer h.close()

	if _, err := h.engine.RevokeAccess(entityID, event.Subject{Peer: peerID}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Revoked.")
}

// cmdDaemon starts the real networked stack: a libp2p transport, the sync
// engine (serving inbound requests and pairing handshakes), and periodic
// peer-discovery logging, all wired against the default vault.
func cmdDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	dirFlag := fs.String("data", dataDir(nil), "Data directory")
	dhtFlag := fs.Bool("dht", false, "Enable DHT for global peer discovery")
	fs.Parse(args)

	v, err := unlockDefaultVault(*dirFlag)
	if err != nil {
		log.Fatalf("unlock: %v", err)
	}

	db, err := storage.Open(filepath.Join(v.DataDir(), "store.db"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	tr, err := transport.New(transport.Config{EnableMdns: true, EnableDht: *dhtFlag, Logger: stdLogger{}})
	if err != nil {
		log.Fatalf("create transport: %v", err)
	}

	trustMgr, err := pairing.NewManager(v.DataDir())
	if err != nil {
		log.Fatalf("open trust store: %v", err)
	}
	localPeer := tr.LocalPeerID()
	pairingHandler := pairing.NewHandler(localPeer, "privstackd-daemon", nil, tr, trustMgr, stdLogger{})

	policy := acl.NewPolicy()
	app := applicator.New(db, defaultSchemas{})
	eng := engine.New(engine.Config{
		LocalPeerID:    localPeer,
		DeviceName:     "privstackd-daemon",
		Transport:      tr,
		Store:          db,
		Applicator:     app,
		Policy:         policy,
		Encryptor:      v.Encryptor(),
		Logger:         stdLogger{},
		PairingHandler: pairingHandler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		log.Fatalf("start transport: %v", err)
	}
	defer tr.Stop()

	go func() {
		if err := eng.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Printf("engine serve: %v", err)
		}
	}()

	log.Printf("🚀 privstackd daemon started as %s, discovering peers on LAN...", localPeer)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			log.Printf("👥 discovered peers: %d | trusted: %d", len(tr.DiscoveredPeers()), len(trustMgr.TrustedPeers()))
		case <-sigCh:
			log.Println("🛑 shutting down...")
			return
		}
	}
}

func cmdDiscover(args []string) {
	dir := dataDir(args)
	v, err := defaultVault(dir)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	mgr, err := pairing.NewManager(v.DataDir())
	if err != nil {
		log.Fatalf("open trust store: %v", err)
	}
	peers := mgr.DiscoveredPeers()
	if len(peers) == 0 {
		fmt.Println("No peers discovered yet — start 'privstackd daemon' first.")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  %s  status=%s\n", p.PeerID, p.DeviceName, p.Status)
	}
}

func cmdTrust(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: privstackd trust <peer-id>")
		os.Exit(1)
	}
	dir := dataDir(args[1:])
	peerID, err := ids.ParsePeerId(args[0])
	if err != nil {
		log.Fatalf("invalid peer id: %v", err)
	}
	v, err := defaultVault(dir)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	mgr, err := pairing.NewManager(v.DataDir())
	if err != nil {
		log.Fatalf("open trust store: %v", err)
	}
	if _, err := mgr.ApprovePeer(peerID); err != nil {
		log.Fatalf("approve: %v", err)
	}
	fmt.Printf("✅ %s is now trusted.\n", peerID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// stripDataFlag removes the global --data <dir> pair before handing the
// remaining args to a subcommand's own flag.FlagSet.
func stripDataFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--data" {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}
