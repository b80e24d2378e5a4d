// Package id generates compact, time-sortable identifiers for store rows.
package id

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	// idLength is the fixed width of every generated identifier. 128 bits
	// of input can take up to 22 base62 digits (62^22 > 2^128), so every
	// ID is left-zero-padded to that width.
	idLength = 22
)

var (
	mu       sync.Mutex
	lastMS   int64
	seq      uint32
	base     = big.NewInt(62)
	maxValue = new(big.Int).Lsh(big.NewInt(1), 128)
)

// New returns a new 22-character base62 identifier derived from a
// time-ordered 128-bit UUID: a fresh random (v4) UUID supplies 128 bits
// of entropy, whose leading 64 bits are then overwritten with a 48-bit
// millisecond timestamp and a 16-bit monotonic sequence counter that
// resets each millisecond. The sequence counter breaks ties within the
// same tick so same-millisecond IDs still sort in call order.
func New() string {
	ms, sequence := nextTick()

	raw, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand failure is unrecoverable for identifier uniqueness.
		panic(fmt.Errorf("id: generate uuid: %w", err))
	}
	buf := raw[:]

	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	buf[6] = byte(sequence >> 8)
	buf[7] = byte(sequence)

	return encodeBase62(buf)
}

func nextTick() (int64, uint32) {
	mu.Lock()
	defer mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= lastMS {
		ms = lastMS
		seq++
	} else {
		lastMS = ms
		seq = 0
	}
	return ms, seq
}

func encodeBase62(buf []byte) string {
	n := new(big.Int).SetBytes(buf)
	if n.Cmp(maxValue) >= 0 {
		n.Mod(n, maxValue)
	}

	var sb strings.Builder
	sb.Grow(idLength)
	digits := make([]byte, 0, idLength)
	zero := big.NewInt(0)
	mod := new(big.Int)
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		digits = append(digits, base62Alphabet[mod.Int64()])
	}
	for i := len(digits); i < idLength; i++ {
		sb.WriteByte(base62Alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}
