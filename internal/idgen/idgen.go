// Package idgen generates prefixed random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for marketplace records.
const (
	Bond           = "bnd_"
	Listing        = "lst_"
	Offer          = "ofr_"
	Subscription   = "sub_"
	Allocation     = "alc_"
	Transfer       = "trf_"
	Event          = "evt_"
	Reconciliation = "rec_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
