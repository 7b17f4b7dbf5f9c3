package model

import (
	"net"
	"slices"
	"strconv"
	"strings"
)

type Protocol string // "tcp", "udp"

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// DNSPort is the fixed destination port of DNS knocks.
const DNSPort = 53

// RuleSet is an ordered list of rule strings. Order is execution order.
type RuleSet []string

// Equal is full-sequence equality.
func (r RuleSet) Equal(o RuleSet) bool {
	return slices.Equal(r, o)
}

func (r RuleSet) Clone() RuleSet {
	if r == nil {
		return nil
	}
	return slices.Clone(r)
}

// PacketContext is the decoded view of a captured packet that knocks and
// actions operate on. SrcPort/DstPort are zero when HasTransport is false.
type PacketContext struct {
	Proto        Protocol
	SrcIP        net.IP
	DstIP        net.IP
	SrcPort      uint16
	DstPort      uint16
	HasTransport bool
	Payload      []byte
}

func (p *PacketContext) Source() string {
	if p == nil || p.SrcIP == nil {
		return ""
	}
	if p.HasTransport {
		return net.JoinHostPort(p.SrcIP.String(), strconv.Itoa(int(p.SrcPort)))
	}
	return p.SrcIP.String()
}

// SetResult is the outcome of installing a descriptor.
type SetResult int

const (
	SetError SetResult = iota
	SetNew
	SetOverridden
)

func (r SetResult) String() string {
	switch r {
	case SetNew:
		return "new"
	case SetOverridden:
		return "overridden"
	default:
		return "error"
	}
}

// RemoveResult is the outcome of removing a descriptor.
type RemoveResult int

const (
	RemoveError RemoveResult = iota
	RemoveRemoved
)

func (r RemoveResult) String() string {
	if r == RemoveRemoved {
		return "removed"
	}
	return "error"
}

func joinPorts(ports []uint16, sep string) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, sep)
}
