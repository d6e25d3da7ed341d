package web3

import (
	"encoding/hex"
	"strings"

	xerrors "AssuredChain/internal/errors"
)

// NormalizeDigest lowercases a SHA-256 hex digest, accepts an optional 0x
// prefix and returns it in 0x-prefixed form.
func NormalizeDigest(digest string) (string, error) {
	d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(digest)), "0x")
	if len(d) != 64 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "digest must be a 32-byte hex string (64 hex chars)")
	}
	if _, err := hex.DecodeString(d); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "digest is not valid hex")
	}
	return "0x" + d, nil
}

// DigestBytes decodes a digest into the bytes32 form expected by the
// registry contract.
func DigestBytes(digest string) ([32]byte, error) {
	var out [32]byte
	normalized, err := NormalizeDigest(digest)
	if err != nil {
		return out, err
	}
	raw, _ := hex.DecodeString(normalized[2:])
	copy(out[:], raw)
	return out, nil
}
