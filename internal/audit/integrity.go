package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// canonical joins the fields covered by the checksum. Fields are length
// prefixed so no two field tuples serialise to the same string.
func canonical(e *Entry) string {
	parts := []string{
		e.ID,
		e.CanonicalTimestamp.UTC().Format(time.RFC3339Nano),
		e.UserID,
		string(e.EventType),
		e.ActionPerformed,
		e.PreviousEntryHash,
	}
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%d:%s|", len(p), p)
	}
	return b.String()
}

// Checksum computes the hex SHA-256 integrity hash of an entry
func Checksum(e *Entry) string {
	sum := sha256.Sum256([]byte(canonical(e)))
	return hex.EncodeToString(sum[:])
}

// Sign computes the HMAC-SHA256 signature of an entry's checksum
func Sign(e *Entry, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.Checksum))
	return hex.EncodeToString(mac.Sum(nil))
}

// ChainError reports the first entry that breaks the chain
type ChainError struct {
	Index   int
	EntryID string
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (entry %s): %s", e.Index, e.EntryID, e.Reason)
}

// VerifyChain checks every checksum and link in entries. When key is
// non-empty, signatures are verified too. It returns nil for an intact chain.
func VerifyChain(entries []*Entry, key []byte) error {
	for i, e := range entries {
		if got := Checksum(e); got != e.Checksum {
			return &ChainError{Index: i, EntryID: e.ID, Reason: "checksum mismatch"}
		}
		if i > 0 && e.PreviousEntryHash != entries[i-1].Checksum {
			return &ChainError{Index: i, EntryID: e.ID, Reason: "previous entry hash does not match"}
		}
		if len(key) > 0 && !hmac.Equal([]byte(Sign(e, key)), []byte(e.DigitalSignature)) {
			return &ChainError{Index: i, EntryID: e.ID, Reason: "signature mismatch"}
		}
	}
	return nil
}
