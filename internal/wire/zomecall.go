package wire

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// unsignedZomeCall fixes the field order of the signed encoding.
type unsignedZomeCall struct {
	Provenance []byte    `codec:"provenance"`
	CellID     [2][]byte `codec:"cell_id"`
	ZomeName   string    `codec:"zome_name"`
	FnName     string    `codec:"fn_name"`
	CapSecret  []byte    `codec:"cap_secret"`
	Payload    []byte    `codec:"payload"`
	Nonce      []byte    `codec:"nonce"`
	ExpiresAt  int64     `codec:"expires_at"`
}

// DataToSign returns the bytes a zome call signature covers:
// blake2b-256 over the msgpack encoding of the unsigned call.
func DataToSign(call domain.ZomeCallUnsigned) ([]byte, error) {
	encoded, err := Marshal(unsignedZomeCall{
		Provenance: call.Provenance,
		CellID:     [2][]byte{call.CellID[0], call.CellID[1]},
		ZomeName:   call.ZomeName,
		FnName:     call.FnName,
		CapSecret:  call.CapSecret,
		Payload:    call.Payload,
		Nonce:      call.Nonce,
		ExpiresAt:  call.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode zome call: %w", err)
	}
	sum := blake2b.Sum256(encoded)
	return sum[:], nil
}
