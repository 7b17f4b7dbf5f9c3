package utils

import (
	"encoding/binary"
	"net"
)

// IPv4ToUint32 converts an IPv4 address to its big-endian integer form.
// The second return is false for nil or IPv6-only addresses.
func IPv4ToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// HostMask returns the mask covering the host bits of an IPv4 prefix length.
func HostMask(prefixLen int) uint32 {
	if prefixLen <= 0 {
		return 0xffffffff
	}
	if prefixLen >= 32 {
		return 0
	}
	return uint32(1)<<(32-prefixLen) - 1
}

// BlockSize returns the number of addresses in an IPv4 prefix.
func BlockSize(prefixLen int) uint64 {
	return uint64(HostMask(prefixLen)) + 1
}
