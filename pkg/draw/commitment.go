package draw

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// NewCommitment generates a fresh 256-bit secret and its SHA-256 commitment.
// Both are returned as lowercase hex. The commitment is safe to publish
// immediately; the secret must stay server-side until the period settles.
func NewCommitment() (secretHex string, commitmentHex string, err error) {
	secret := make([]byte, secretByteLength)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	digest := sha256.Sum256(secret)
	return hex.EncodeToString(secret), hex.EncodeToString(digest[:]), nil
}

// VerifyCommitment recomputes the commitment from a revealed secret and
// compares it to the published one. Anyone holding the revealed secret can
// run this; it is the auditor half of the commit-reveal scheme.
func VerifyCommitment(secretHex string, commitmentHex string) bool {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(secret)
	expected := hex.EncodeToString(digest[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(commitmentHex)) == 1
}

// SelectWinner derives the 0-based winning index from a revealed secret and
// the public entry count: the first 8 secret bytes read as an unsigned
// big-endian integer, modulo the count. This is the single canonical
// derivation for every settlement path, and is bit-for-bit reproducible by
// an independent party.
func SelectWinner(secretHex string, entryCount int64) (int64, error) {
	if entryCount <= 0 {
		return 0, fmt.Errorf("%w: entry count must be positive", ErrNoEntries)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return 0, fmt.Errorf("%w: not valid hex", ErrInvalidSecret)
	}
	if len(secret) < winnerPrefixBytes {
		return 0, fmt.Errorf("%w: need at least %d bytes", ErrInvalidSecret, winnerPrefixBytes)
	}
	value := binary.BigEndian.Uint64(secret[:winnerPrefixBytes])
	return int64(value % uint64(entryCount)), nil
}

// ComputeSeal produces the tamper-evidence seal stored on an entry:
// HMAC-SHA256 over the entry identity and purchase time, keyed by a
// server-held seal key independent of the draw commitment.
func ComputeSeal(sealKey []byte, entryID, participantID, periodID string, purchasedUnixUTC int64) string {
	mac := hmac.New(sha256.New, sealKey)
	mac.Write([]byte(entryID))
	mac.Write([]byte{0})
	mac.Write([]byte(participantID))
	mac.Write([]byte{0})
	mac.Write([]byte(periodID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(purchasedUnixUTC, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySeal checks an entry seal against the stored fields.
func VerifySeal(sealKey []byte, entry Entry) bool {
	expected := ComputeSeal(sealKey, entry.EntryID, entry.ParticipantID, entry.PeriodID, entry.PurchasedUnixUTC)
	return hmac.Equal([]byte(expected), []byte(entry.Seal))
}
