// Package auth authenticates traders by EIP-191 signatures and guards the
// operator and oracle routes with shared secrets.
//
// A trader signs the personal message
//
//	tradeescrow|METHOD|PATH|TIMESTAMP
//
// where TIMESTAMP is unix seconds, and sends the signature with the claimed
// address and the timestamp. The recovered address becomes the actor of the
// request.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrMissingCredentials = errors.New("missing signature headers")
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrClockSkew          = errors.New("timestamp outside allowed skew")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrAddressMismatch    = errors.New("signature does not match address")
	ErrReplayed           = errors.New("signature already used")
)

// MessagePrefix namespaces signed messages to this service.
const MessagePrefix = "tradeescrow"

// Message builds the text a trader signs for a request.
func Message(method, path string, timestamp int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", MessagePrefix, strings.ToUpper(method), path, timestamp)
}

// RecoverAddress returns the lowercase hex address that produced sig over
// the EIP-191 hash of message. sig is 65 bytes, hex encoded, with v of
// 0/1 or 27/28.
func RecoverAddress(message, sigHex string) (string, error) {
	if !strings.HasPrefix(sigHex, "0x") && !strings.HasPrefix(sigHex, "0X") {
		sigHex = "0x" + sigHex
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verifier checks request signatures.
type Verifier struct {
	skew time.Duration
	now  func() time.Time
	seen *expirable.LRU[string, struct{}]
}

// NewVerifier accepts timestamps within skew of the server clock.
func NewVerifier(skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Verifier{skew: skew, now: time.Now}
}

// WithReplayCache rejects a signature seen before within the skew window.
// size bounds the number of remembered signatures.
func (v *Verifier) WithReplayCache(size int) *Verifier {
	v.seen = expirable.NewLRU[string, struct{}](size, nil, 2*v.skew)
	return v
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify authenticates a request and returns the signer's address.
func (v *Verifier) Verify(method, path, address, timestamp, signature string) (string, error) {
	if address == "" || timestamp == "" || signature == "" {
		return "", ErrMissingCredentials
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: bad address", ErrAddressMismatch)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", ErrInvalidTimestamp
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift > v.skew || drift < -v.skew {
		return "", ErrClockSkew
	}

	signer, err := RecoverAddress(Message(method, path, ts), signature)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(signer, address) {
		return "", ErrAddressMismatch
	}

	if v.seen != nil {
		key := strings.ToLower(signature)
		if v.seen.Contains(key) {
			return "", ErrReplayed
		}
		v.seen.Add(key, struct{}{})
	}
	return signer, nil
}
