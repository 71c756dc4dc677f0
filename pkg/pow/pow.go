// Package pow implements the hashcash-style proof of work stamped on every
// message: find an 8-byte big-endian counter such that
// sha256(payload || counter) < 2^(256-difficulty).
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/limedotxyz/limescan/pkg/feed"
)

const (
	DefaultDifficulty = 20
	// ProgressInterval is how many attempts pass between progress callbacks
	// and cancellation checks.
	ProgressInterval = 10_000
)

var ErrDifficulty = errors.New("pow: difficulty out of range")

type Result struct {
	NonceHex string `json:"nonce"`
	HashHex  string `json:"pow_hash"`
	Attempts uint64 `json:"attempts"`
}

// target returns 2^(256-difficulty), or nil when every hash qualifies.
func target(difficulty int) (*uint256.Int, error) {
	if difficulty < 0 || difficulty > 256 {
		return nil, fmt.Errorf("%w: %d", ErrDifficulty, difficulty)
	}
	if difficulty == 0 {
		return nil, nil
	}
	return new(uint256.Int).Lsh(uint256.NewInt(1), uint(256-difficulty)), nil
}

func below(sum [32]byte, t *uint256.Int) bool {
	if t == nil {
		return true
	}
	var v uint256.Int
	v.SetBytes32(sum[:])
	return v.Lt(t)
}

// Mine searches counters from zero. progress, if set, is called with the
// attempt count every ProgressInterval attempts. Cancelling ctx aborts the
// search at the next interval.
func Mine(ctx context.Context, payload []byte, difficulty int, progress func(attempts uint64)) (Result, error) {
	t, err := target(difficulty)
	if err != nil {
		return Result{}, err
	}

	buf := make([]byte, len(payload)+8)
	copy(buf, payload)
	counter := buf[len(payload):]

	for n := uint64(0); ; n++ {
		if n > 0 && n%ProgressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("pow: mining aborted after %d attempts: %w", n, err)
			}
			if progress != nil {
				progress(n)
			}
		}
		binary.BigEndian.PutUint64(counter, n)
		sum := sha256.Sum256(buf)
		if below(sum, t) {
			return Result{
				NonceHex: hex.EncodeToString(counter),
				HashHex:  hex.EncodeToString(sum[:]),
				Attempts: n + 1,
			}, nil
		}
	}
}

// Verify recomputes the hash for nonceHex and checks it both matches hashHex
// and meets difficulty.
func Verify(payload []byte, nonceHex, hashHex string, difficulty int) bool {
	t, err := target(difficulty)
	if err != nil {
		return false
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append(append([]byte{}, payload...), nonce...))
	if hex.EncodeToString(sum[:]) != hashHex {
		return false
	}
	return below(sum, t)
}

// Stamp mines m's payload and fills in its nonce and pow hash.
func Stamp(ctx context.Context, m *feed.Message, difficulty int) error {
	res, err := Mine(ctx, m.PowPayload(), difficulty, nil)
	if err != nil {
		return err
	}
	m.Nonce, m.PowHash = res.NonceHex, res.HashHex
	return nil
}

func VerifyMessage(m feed.Message, difficulty int) bool {
	return Verify(m.PowPayload(), m.Nonce, m.PowHash, difficulty)
}
