// Package otp implements the RFC 2289 one-time password primitives shared by
// the knock daemon and the knock sender: hashing and folding, the six-word
// readable encoding and hash-chain generation.
package otp

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length in bytes of every folded OTP value.
const Size = 8

var (
	ErrUnknownAlgorithm = errors.New("unknown OTP algorithm")
	ErrInvalidOTP       = errors.New("invalid OTP")
)

type Algorithm string

const (
	MD5  Algorithm = "MD5"
	SHA1 Algorithm = "SHA1"
)

// ParseAlgorithm normalises user-supplied algorithm names ("md5", "sha-1", ...).
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "")) {
	case "MD5":
		return MD5, nil
	case "SHA1", "SHA":
		return SHA1, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// ValidAlgorithm reports whether name can be used for a knock.
func ValidAlgorithm(name string) bool {
	_, err := ParseAlgorithm(name)
	return err == nil
}

// Hash digests data with the given algorithm.
func Hash(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case MD5:
		sum := md5.Sum(data)
		return sum[:], nil
	case SHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
}

// Fold reduces a digest to Size bytes as described in RFC 2289 Appendix A.
func Fold(algo Algorithm, digest []byte) ([]byte, error) {
	out := make([]byte, Size)
	switch algo {
	case MD5:
		if len(digest) != md5.Size {
			return nil, fmt.Errorf("%w: md5 digest has %d bytes", ErrInvalidOTP, len(digest))
		}
		for i := 0; i < Size; i++ {
			out[i] = digest[i] ^ digest[i+Size]
		}
	case SHA1:
		if len(digest) != sha1.Size {
			return nil, fmt.Errorf("%w: sha1 digest has %d bytes", ErrInvalidOTP, len(digest))
		}
		var w [5]uint32
		for i := range w {
			w[i] = binary.BigEndian.Uint32(digest[i*4:])
		}
		w[0] ^= w[2]
		w[1] ^= w[3]
		w[0] ^= w[4]
		binary.LittleEndian.PutUint32(out[0:], w[0])
		binary.LittleEndian.PutUint32(out[4:], w[1])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return out, nil
}

// Step computes fold(hash(data)), one link of the chain.
func Step(algo Algorithm, data []byte) ([]byte, error) {
	digest, err := Hash(algo, data)
	if err != nil {
		return nil, err
	}
	return Fold(algo, digest)
}

// ToReadable encodes an 8-byte OTP as six dictionary words.
func ToReadable(b []byte) (string, error) {
	if len(b) != Size {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidOTP, Size, len(b))
	}
	v := binary.BigEndian.Uint64(b)
	words := make([]string, 6)
	for i := 0; i < 5; i++ {
		words[i] = dictionary[(v>>(53-11*i))&0x7ff]
	}
	words[5] = dictionary[(v&0x1ff)<<2|uint64(checksum(v))]
	return strings.Join(words, " "), nil
}

// FromReadable decodes six dictionary words, or sixteen hex digits, into the
// raw 8-byte OTP. Case and surrounding whitespace are ignored.
func FromReadable(s string) ([]byte, error) {
	s = strings.Trim(s, " \t\r\n\x00")
	fields := strings.Fields(s)
	if len(fields) == 6 {
		if b, err := fromWords(fields); err == nil {
			return b, nil
		}
	}
	compact := strings.Join(fields, "")
	if len(compact) == 2*Size {
		if b, err := hex.DecodeString(compact); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is neither six words nor hex", ErrInvalidOTP, s)
}

func fromWords(fields []string) ([]byte, error) {
	var v uint64
	var last int
	for i, f := range fields {
		idx, ok := WordIndex(f)
		if !ok {
			return nil, fmt.Errorf("%w: unknown word %q", ErrInvalidOTP, f)
		}
		if i < 5 {
			v = v<<11 | uint64(idx)
		} else {
			last = idx
		}
	}
	v = v<<9 | uint64(last>>2)
	if checksum(v) != uint8(last&3) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidOTP)
	}
	b := make([]byte, Size)
	binary.BigEndian.PutUint64(b, v)
	return b, nil
}

// checksum is the sum of the 2-bit pairs of v, modulo 4.
func checksum(v uint64) uint8 {
	var sum uint64
	for i := 0; i < 64; i += 2 {
		sum += (v >> i) & 3
	}
	return uint8(sum & 3)
}

// Canonical returns the upper-case six-word form of a submitted password.
func Canonical(s string) (string, error) {
	b, err := FromReadable(s)
	if err != nil {
		return "", err
	}
	return ToReadable(b)
}

// Data is a freshly generated chain: FirstOTP is what the daemon stores,
// Readable lists the passwords in the order they must be used.
type Data struct {
	Algorithm Algorithm
	Seed      string
	Count     int
	FirstOTP  []byte
	Readable  []string
}

// Chain returns x_0..x_n where x_0 = step(lower(seed)+passphrase) and
// x_{i+1} = step(x_i).
func Chain(algo Algorithm, seed, passphrase string, n int) ([][]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative chain length %d", n)
	}
	x, err := Step(algo, []byte(strings.ToLower(seed)+passphrase))
	if err != nil {
		return nil, err
	}
	chain := make([][]byte, 0, n+1)
	chain = append(chain, x)
	for i := 0; i < n; i++ {
		if x, err = Step(algo, x); err != nil {
			return nil, err
		}
		chain = append(chain, x)
	}
	return chain, nil
}

// GetOTPData generates a chain of count passwords. FirstOTP is x_count and
// Readable[i] is x_{count-1-i}, so each password hashes to the previous value.
func GetOTPData(algo Algorithm, seed, passphrase string, count int) (*Data, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be at least 1, got %d", count)
	}
	chain, err := Chain(algo, seed, passphrase, count)
	if err != nil {
		return nil, err
	}
	data := &Data{
		Algorithm: algo,
		Seed:      seed,
		Count:     count,
		FirstOTP:  chain[count],
		Readable:  make([]string, count),
	}
	for i := 0; i < count; i++ {
		if data.Readable[i], err = ToReadable(chain[count-1-i]); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Password returns the six-word form of x_n, the response to an "otp-<algo> n seed" challenge.
func Password(algo Algorithm, seed, passphrase string, n int) (string, error) {
	chain, err := Chain(algo, seed, passphrase, n)
	if err != nil {
		return "", err
	}
	return ToReadable(chain[n])
}
