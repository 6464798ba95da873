// Package escrowid derives the stable 32-byte escrow identifier shared by
// the on-chain contract and the relational mirror.
//
// The identifier is a Keccak-256 hash over a canonical encoding of the
// delivery ID and the internal escrow record ID. Any party who knows both
// inputs can recompute it, so the two stores never disagree on naming.
package escrowid

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// domainTag versions the encoding. Changing the layout requires a new tag.
const domainTag = "mealtrust/escrow/v1"

// Derive computes the escrow identifier for a delivery and internal record.
// Deterministic: no clock, no randomness.
func Derive(deliveryID, recordID int64) common.Hash {
	preimage := fmt.Sprintf("%s:%d:%d", domainTag, deliveryID, recordID)
	return crypto.Keccak256Hash([]byte(preimage))
}

// DeriveHex returns the identifier as a 0x-prefixed hex string, the form
// used in API paths and mirror columns.
func DeriveHex(deliveryID, recordID int64) string {
	return Derive(deliveryID, recordID).Hex()
}

// Parse converts a 0x-prefixed hex identifier back to its 32-byte form.
func Parse(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid escrow id %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid escrow id %q: expected %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}
