package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletops/internal/domain"
)

// entryNamespace seeds the deterministic ledger entry ids.
var entryNamespace = uuid.MustParse("5f0e3c52-8a4f-4f0b-9c67-0d3b8f6c2a10")

// EntryID is the ledger entry id a transfer under key is recorded with. The
// same key always maps to the same id, so the ledger itself rejects a second
// execution even after the idempotency record expired.
func EntryID(key string) uuid.UUID {
	return uuid.NewSHA1(entryNamespace, []byte(key))
}

// Fingerprint hashes the normalized intent. Two requests under the same key
// must carry the same fingerprint.
func Fingerprint(intent domain.TransferIntent) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(intent.SenderID, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(intent.Receiver.AccountID, 10))
	b.WriteByte('|')
	b.WriteString(intent.Receiver.OwnerID)
	b.WriteByte('|')
	b.WriteString(domain.FormatAmount(intent.Amount, intent.Currency))
	b.WriteByte('|')
	b.WriteString(intent.Currency)
	b.WriteByte('|')
	b.WriteString(intent.ActorID)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
