// Package cidr implements IPv4 address blocks used to restrict which sources
// may complete a knock.
package cidr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"cok/internal/utils"
)

// ErrInvalidFormat is returned when text is not a dotted quad optionally
// followed by /0..32.
var ErrInvalidFormat = errors.New("invalid CIDR format")

// Block is an immutable IPv4 range derived from a base address and a mask length.
type Block struct {
	min     uint32
	max     uint32
	maskLen int
}

// Parse accepts "a.b.c.d" (a /32) or "a.b.c.d/n".
func Parse(s string) (Block, error) {
	s = strings.TrimSpace(s)
	addr, lenStr, hasMask := strings.Cut(s, "/")

	maskLen := 32
	if hasMask {
		n, err := strconv.Atoi(lenStr)
		if err != nil || n < 0 || n > 32 || lenStr != strconv.Itoa(n) {
			return Block{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		maskLen = n
	}

	base, err := parseDottedQuad(addr)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	host := utils.HostMask(maskLen)
	return Block{min: base &^ host, max: base | host, maskLen: maskLen}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Block {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// parseDottedQuad is stricter than net.ParseIP: exactly four decimal octets.
func parseDottedQuad(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, ErrInvalidFormat
	}
	var v uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 || strings.IndexFunc(p, notDigit) >= 0 {
			return 0, ErrInvalidFormat
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return 0, ErrInvalidFormat
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

// Contains reports whether ip falls inside the block. IPv6 addresses never match.
func (b Block) Contains(ip net.IP) bool {
	v, ok := utils.IPv4ToUint32(ip)
	if !ok {
		return false
	}
	return b.min <= v && v <= b.max
}

// ContainsString parses addr and tests membership.
func (b Block) ContainsString(addr string) (bool, error) {
	v, err := parseDottedQuad(strings.TrimSpace(addr))
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidFormat, addr)
	}
	return b.min <= v && v <= b.max, nil
}

func (b Block) Min() net.IP  { return utils.Uint32ToIPv4(b.min) }
func (b Block) Max() net.IP  { return utils.Uint32ToIPv4(b.max) }
func (b Block) MaskLen() int { return b.maskLen }
func (b Block) Size() uint64 { return utils.BlockSize(b.maskLen) }

// Equal compares the covered range only.
func (b Block) Equal(o Block) bool {
	return b.min == o.min && b.max == o.max
}

func (b Block) String() string {
	return fmt.Sprintf("%s/%d", b.Min(), b.maskLen)
}

// MarshalText renders the block in a/n form so it can travel in JSON.
func (b Block) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Block) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Set is a list of blocks; an empty set admits every source.
type Set []Block

// Admits reports whether ip is allowed by the set.
func (s Set) Admits(ip net.IP) bool {
	if len(s) == 0 {
		return true
	}
	for _, b := range s {
		if b.Contains(ip) {
			return true
		}
	}
	return false
}

// Equal compares two sets ignoring order and duplicates.
func (s Set) Equal(o Set) bool {
	return s.subsetOf(o) && o.subsetOf(s)
}

func (s Set) subsetOf(o Set) bool {
	for _, b := range s {
		found := false
		for _, c := range o {
			if b.Equal(c) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for _, b := range s {
		out = append(out, b.String())
	}
	return out
}
