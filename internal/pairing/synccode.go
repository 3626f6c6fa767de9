// Package pairing implements spec.md §4.7's pairing and trust flow: a
// short human-readable sync code gates DHT discovery to peers that share
// it, discovered peers require explicit mutual approval before they
// become trusted, and trust is persisted locally. Grounded on
// original_source/core/privstack-sync/src/pairing.rs (SyncCode,
// PairingManager, PairingMessage) and internal/sync/allowlist.go's
// file-backed peer store for the on-disk persistence shape.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// CodeWords is the number of words a sync code is built from. Four words
// from a 64-word list gives 64^4 ≈ 16.8 million combinations, ~24 bits of
// entropy — spec.md §4.7's figure.
const CodeWords = 4

// wordList mirrors the original implementation's WORD_LIST verbatim so a
// code generated by either side parses identically; the list itself
// carries no secret, only its random selection does.
var wordList = [64]string{
	"APPLE", "BANANA", "CHERRY", "DELTA", "ECHO", "FOXTROT", "GRAPE", "HOTEL",
	"INDIA", "JULIET", "KILO", "LIMA", "MANGO", "NOVEMBER", "OSCAR", "PAPA",
	"QUEBEC", "ROMEO", "SIERRA", "TANGO", "ULTRA", "VICTOR", "WHISKEY", "XRAY",
	"YANKEE", "ZULU", "AMBER", "BRONZE", "CORAL", "DENIM", "EMBER", "FROST",
	"GOLDEN", "HARBOR", "IVORY", "JADE", "KARMA", "LEMON", "MAPLE", "NAVY",
	"OLIVE", "PEARL", "QUARTZ", "RUBY", "SAGE", "TOPAZ", "UNITY", "VELVET",
	"WILLOW", "XENON", "YELLOW", "ZINC", "ARCTIC", "BLAZE", "CLOUD", "DAWN",
	"EAGLE", "FLAME", "GLACIER", "HORIZON", "ISLAND", "JUNGLE", "KNIGHT", "LUNAR",
}

// SyncCode is a human-shareable code and the DHT namespace it derives.
type SyncCode struct {
	Code string
	hash [32]byte
}

// GenerateSyncCode picks CodeWords random words from wordList using a
// CSPRNG — the original implementation used a non-cryptographic RNG since
// the code's only job there was memorability, but this rendezvous key
// also doubles as the DHT namespace secret, so a predictable generator
// would let an attacker pre-compute namespaces to squat on.
func GenerateSyncCode() (SyncCode, error) {
	words := make([]string, CodeWords)
	for i := range words {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(wordList))))
		if err != nil {
			return SyncCode{}, fmt.Errorf("pairing: generate sync code: %w", err)
		}
		words[i] = wordList[n.Int64()]
	}
	code := strings.Join(words, "-")
	return SyncCode{Code: code, hash: sha256.Sum256([]byte(code))}, nil
}

// ErrInvalidSyncCode reports a malformed sync code on entry.
type ErrInvalidSyncCode struct{ Reason string }

func (e ErrInvalidSyncCode) Error() string { return "pairing: invalid sync code: " + e.Reason }

// ParseSyncCode normalizes user input (uppercase, spaces/underscores to
// dashes) and validates it has exactly CodeWords words. Unlike the
// original implementation, words need not be drawn from wordList: a code
// spoken aloud and retyped should still work even if autocorrect or a
// typo produces a word outside the list, since the only thing that
// matters is that both sides compute the same hash.
func ParseSyncCode(input string) (SyncCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(input))
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.ReplaceAll(normalized, "_", "-")

	words := strings.Split(normalized, "-")
	if len(words) != CodeWords {
		return SyncCode{}, ErrInvalidSyncCode{Reason: fmt.Sprintf("expected %d words, got %d", CodeWords, len(words))}
	}
	for _, w := range words {
		if w == "" {
			return SyncCode{}, ErrInvalidSyncCode{Reason: "empty word"}
		}
	}
	return SyncCode{Code: normalized, hash: sha256.Sum256([]byte(normalized))}, nil
}

// Namespace returns the DHT rendezvous key derived from the code: only
// peers that computed the same hash (i.e. were given the same code) query
// this namespace, so discovery is scoped without the code itself ever
// appearing on the wire.
func (c SyncCode) Namespace() []byte {
	out := make([]byte, len(c.hash))
	copy(out, c.hash[:])
	return out
}

// HashHex is Namespace in hex, for logging and the DHT key string form.
func (c SyncCode) HashHex() string { return hex.EncodeToString(c.hash[:]) }
