package model

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"cok/internal/cidr"
	"cok/pkg/otp"
)

var ErrInvalidDescriptor = errors.New("invalid knock descriptor")

// Kind selects the descriptor variant.
type Kind string

const (
	KindPortSequence Kind = "port-sequence"
	KindUDPOTP       Kind = "udp-otp"
	KindDNS          Kind = "dns"
)

// HexBytes renders as a hex string in JSON.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(h))), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	*h = b
	return nil
}

// Descriptor is the transferable configuration of one knock. Exactly one of
// PortSequence or OTP is set, according to Kind. DNS knocks use OTP with
// KnockDomain filled in and Port fixed to 53.
type Descriptor struct {
	Kind           Kind          `json:"kind"`
	SuccessRules   RuleSet       `json:"success_rules,omitempty"`
	BadSourceRules RuleSet       `json:"bad_source_rules,omitempty"`
	ValidSources   cidr.Set      `json:"valid_sources,omitempty"`
	PortSequence   *PortSequence `json:"port_sequence,omitempty"`
	OTP            *OTP          `json:"otp,omitempty"`
}

type PortSequence struct {
	Ports         []uint16 `json:"ports"`
	TimeoutMillis uint64   `json:"timeout_ms"`
}

// OTP holds the hash-chain state of UDP and DNS knocks. NextOTP is the value
// the next submitted password must hash to; UsedPasswords is the replay ledger.
type OTP struct {
	FirstOTP      HexBytes      `json:"first_otp"`
	NextOTP       HexBytes      `json:"next_otp"`
	Port          uint16        `json:"port"`
	ReplayRules   RuleSet       `json:"replay_rules,omitempty"`
	RuleName      string        `json:"rule_name"`
	Algorithm     otp.Algorithm `json:"algorithm"`
	UsedPasswords []string      `json:"used_passwords,omitempty"`
	KnockDomain   string        `json:"knock_domain,omitempty"`
}

func NewPortSequence(ports []uint16, timeoutMillis uint64, success, badSource RuleSet, sources cidr.Set) *Descriptor {
	return &Descriptor{
		Kind:           KindPortSequence,
		SuccessRules:   success,
		BadSourceRules: badSource,
		ValidSources:   sources,
		PortSequence:   &PortSequence{Ports: slices.Clone(ports), TimeoutMillis: timeoutMillis},
	}
}

// NewUDPOTP builds a fresh UDP knock whose cursor starts at firstOTP.
func NewUDPOTP(firstOTP []byte, port uint16, ruleName string, algo otp.Algorithm, success, badSource, replay RuleSet, sources cidr.Set) *Descriptor {
	return &Descriptor{
		Kind:           KindUDPOTP,
		SuccessRules:   success,
		BadSourceRules: badSource,
		ValidSources:   sources,
		OTP: &OTP{
			FirstOTP:    bytes.Clone(firstOTP),
			NextOTP:     bytes.Clone(firstOTP),
			Port:        port,
			ReplayRules: replay,
			RuleName:    ruleName,
			Algorithm:   algo,
		},
	}
}

func NewDNS(firstOTP []byte, knockDomain, ruleName string, algo otp.Algorithm, success, badSource, replay RuleSet, sources cidr.Set) *Descriptor {
	d := NewUDPOTP(firstOTP, DNSPort, ruleName, algo, success, badSource, replay, sources)
	d.Kind = KindDNS
	d.OTP.KnockDomain = strings.TrimSuffix(knockDomain, ".")
	return d
}

// Desc is the stable human-readable identifier used in logs and listings.
func (d *Descriptor) Desc() string {
	switch d.Kind {
	case KindPortSequence:
		if d.PortSequence == nil {
			return "PortSeq"
		}
		return fmt.Sprintf("PortSeq_%s_%d", joinPorts(d.PortSequence.Ports, "_"), d.PortSequence.TimeoutMillis)
	case KindUDPOTP:
		if d.OTP == nil {
			return "UDP_OTP"
		}
		return fmt.Sprintf("UDP_OTP_%s_%s_%d", d.OTP.RuleName, d.OTP.Algorithm, d.OTP.Port)
	case KindDNS:
		if d.OTP == nil {
			return "DNS"
		}
		return fmt.Sprintf("DNS_%s_%s_%s", d.OTP.KnockDomain, d.OTP.RuleName, d.OTP.Algorithm)
	}
	return string(d.Kind)
}

func (d *Descriptor) String() string { return d.Desc() }

// Protocol is the transport the knock listens on.
func (d *Descriptor) Protocol() Protocol {
	if d.Kind == KindPortSequence {
		return TCP
	}
	return UDP
}

// Ports lists the destination ports the knock needs to see.
func (d *Descriptor) Ports() []uint16 {
	switch d.Kind {
	case KindPortSequence:
		if d.PortSequence != nil {
			return d.PortSequence.Ports
		}
	case KindUDPOTP:
		if d.OTP != nil {
			return []uint16{d.OTP.Port}
		}
	case KindDNS:
		return []uint16{DNSPort}
	}
	return nil
}

// Equal is the variant-specific identity used to decide between updating an
// installed knock and installing a new one. Runtime chain state is excluded.
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == nil || o == nil || d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindPortSequence:
		if d.PortSequence == nil || o.PortSequence == nil {
			return false
		}
		return slices.Equal(d.PortSequence.Ports, o.PortSequence.Ports) &&
			d.PortSequence.TimeoutMillis == o.PortSequence.TimeoutMillis &&
			d.SuccessRules.Equal(o.SuccessRules)
	case KindUDPOTP, KindDNS:
		if d.OTP == nil || o.OTP == nil {
			return false
		}
		same := bytes.Equal(d.OTP.FirstOTP, o.OTP.FirstOTP) &&
			d.OTP.RuleName == o.OTP.RuleName &&
			d.OTP.Algorithm == o.OTP.Algorithm
		if d.Kind == KindDNS {
			return same && strings.EqualFold(d.OTP.KnockDomain, o.OTP.KnockDomain)
		}
		return same && d.OTP.Port == o.OTP.Port
	}
	return false
}

// Update copies the mutable configuration of o into d, keeping d's chain
// cursor and replay ledger.
func (d *Descriptor) Update(o *Descriptor) {
	d.ValidSources = slices.Clone(o.ValidSources)
	switch d.Kind {
	case KindPortSequence:
		if o.PortSequence != nil {
			d.PortSequence.Ports = slices.Clone(o.PortSequence.Ports)
			d.PortSequence.TimeoutMillis = o.PortSequence.TimeoutMillis
		}
	case KindUDPOTP, KindDNS:
		d.SuccessRules = o.SuccessRules.Clone()
		d.BadSourceRules = o.BadSourceRules.Clone()
		if o.OTP != nil {
			d.OTP.ReplayRules = o.OTP.ReplayRules.Clone()
			if d.Kind == KindUDPOTP {
				d.OTP.Port = o.OTP.Port
			}
		}
	}
}

// Validate checks the variant invariants. A missing NextOTP is filled from FirstOTP.
func (d *Descriptor) Validate() error {
	switch d.Kind {
	case KindPortSequence:
		ps := d.PortSequence
		if ps == nil {
			return fmt.Errorf("%w: port sequence settings missing", ErrInvalidDescriptor)
		}
		if len(ps.Ports) == 0 {
			return fmt.Errorf("%w: port sequence is empty", ErrInvalidDescriptor)
		}
		if slices.Contains(ps.Ports, 0) {
			return fmt.Errorf("%w: port 0 in sequence", ErrInvalidDescriptor)
		}
		if ps.TimeoutMillis == 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidDescriptor)
		}
		if d.OTP != nil {
			return fmt.Errorf("%w: port sequence carries OTP settings", ErrInvalidDescriptor)
		}
	case KindUDPOTP, KindDNS:
		o := d.OTP
		if o == nil {
			return fmt.Errorf("%w: OTP settings missing", ErrInvalidDescriptor)
		}
		if d.PortSequence != nil {
			return fmt.Errorf("%w: OTP knock carries port sequence settings", ErrInvalidDescriptor)
		}
		algo, err := otp.ParseAlgorithm(string(o.Algorithm))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		o.Algorithm = algo
		if len(o.FirstOTP) != otp.Size {
			return fmt.Errorf("%w: first OTP must be %d bytes, got %d", ErrInvalidDescriptor, otp.Size, len(o.FirstOTP))
		}
		if len(o.NextOTP) == 0 {
			o.NextOTP = bytes.Clone(o.FirstOTP)
		}
		if len(o.NextOTP) != len(o.FirstOTP) {
			return fmt.Errorf("%w: next OTP length %d differs from first OTP", ErrInvalidDescriptor, len(o.NextOTP))
		}
		if strings.TrimSpace(o.RuleName) == "" {
			return fmt.Errorf("%w: rule name is empty", ErrInvalidDescriptor)
		}
		if o.Port == 0 {
			return fmt.Errorf("%w: port must be in 1..65535", ErrInvalidDescriptor)
		}
		if d.Kind == KindDNS {
			if o.Port != DNSPort {
				return fmt.Errorf("%w: DNS knock must use port %d", ErrInvalidDescriptor, DNSPort)
			}
			if strings.Trim(o.KnockDomain, ".") == "" {
				return fmt.Errorf("%w: knock domain is empty", ErrInvalidDescriptor)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	return nil
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := &Descriptor{
		Kind:           d.Kind,
		SuccessRules:   d.SuccessRules.Clone(),
		BadSourceRules: d.BadSourceRules.Clone(),
		ValidSources:   slices.Clone(d.ValidSources),
	}
	if d.PortSequence != nil {
		c.PortSequence = &PortSequence{Ports: slices.Clone(d.PortSequence.Ports), TimeoutMillis: d.PortSequence.TimeoutMillis}
	}
	if d.OTP != nil {
		o := *d.OTP
		o.FirstOTP = bytes.Clone(d.OTP.FirstOTP)
		o.NextOTP = bytes.Clone(d.OTP.NextOTP)
		o.ReplayRules = d.OTP.ReplayRules.Clone()
		o.UsedPasswords = slices.Clone(d.OTP.UsedPasswords)
		c.OTP = &o
	}
	return c
}
