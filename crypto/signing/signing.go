// Package signing defines the canonical messages depositors sign to
// authorize votes and claims, and verifies their ERC-191 personal
// signatures. A message binds the action to a timestamp; stale
// signatures are rejected to stop replay.
package signing

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/mathutil"
)

// ErrSignatureExpired is returned when the signed timestamp falls
// outside the allowed window around the verifier's clock.
var ErrSignatureExpired = errors.New("signed message timestamp outside allowed window")

// ErrSignatureMismatch is returned when the recovered signer does not
// match the claimed address.
var ErrSignatureMismatch = errors.New("recovered signer does not match address")

// ClaimMessage is the canonical payload for a settlement claim:
//
//	wagmi-claim
//	address:<lowercase 0x-address>
//	timestamp:<unix-ms integer>
func ClaimMessage(address string, timestampMs int64) string {
	return strings.Join([]string{
		"wagmi-claim",
		"address:" + strings.ToLower(address),
		fmt.Sprintf("timestamp:%d", timestampMs),
	}, "\n")
}

// VoteMessage is the canonical payload for an allocation vote. The
// percent is clamped to [0, 100] before it enters the message, so an
// out-of-range submission verifies only if the wallet signed the
// clamped value.
//
//	eth_percent:<clamped integer 0..100>
//	timestamp:<unix-ms integer>
func VoteMessage(ethPercent, timestampMs int64) string {
	return strings.Join([]string{
		fmt.Sprintf("eth_percent:%d", mathutil.Clamp(ethPercent, 0, 100)),
		fmt.Sprintf("timestamp:%d", timestampMs),
	}, "\n")
}

// RecoverSigner recovers the address that produced an ERC-191 personal
// signature over message.
func RecoverSigner(message string, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "could not decode signature")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28; crypto.SigToPub expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "could not recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signature is a valid personal signature over
// message by address. Address comparison is case-insensitive.
func Verify(message, signature, address string) error {
	recovered, err := RecoverSigner(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered.Hex(), address) {
		return ErrSignatureMismatch
	}
	return nil
}

// CheckFreshness rejects timestamps further than maxAge from now in
// either direction.
func CheckFreshness(timestampMs int64, now time.Time, maxAge time.Duration) error {
	drift := now.UnixMilli() - timestampMs
	if drift < 0 {
		drift = -drift
	}
	if drift > maxAge.Milliseconds() {
		return ErrSignatureExpired
	}
	return nil
}
