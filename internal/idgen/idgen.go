// Package idgen generates identifiers for escrows, disputes, arbitrators and payout legs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars (e.g. "esc_", "dsp_", "arb_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// ChainQualified returns "<chain>:<prefix><hex>", the form used for escrow
// ids so the settlement chain is recoverable from the id alone.
func ChainQualified(chainID, prefix string) string {
	return chainID + ":" + WithPrefix(prefix)
}

// ChainOf returns the chain component of a chain-qualified id, or "".
func ChainOf(id string) string {
	chain, _, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return chain
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ReferralCode returns an 8-character upper-case code for broker referrals.
func ReferralCode() string {
	return strings.ToUpper(Hex(4))
}
