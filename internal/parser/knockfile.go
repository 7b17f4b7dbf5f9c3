// Package parser reads knock definitions and the loose list formats used
// when authoring them.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cok/internal/cidr"
	"cok/internal/model"
	"cok/pkg/otp"
)

// knockDef collects the settings of one edit block until sources can be
// resolved against the address objects of the whole file.
type knockDef struct {
	kind model.Kind
	name string
	line int

	ports      []uint16
	timeout    uint64
	sources    []string
	success    model.RuleSet
	badSource  model.RuleSet
	replay     model.RuleSet
	port       uint16
	algorithm  string
	passphrase string
	count      int
	firstOTP   []byte
	domain     string
}

// KnockFileParser reads block structured knock definitions:
//
//	config knock address
//	    edit "office"
//	        set subnet 10.1.0.0/16
//	    next
//	end
//	config knock port-sequence
//	    edit "ssh"
//	        set ports 1000-1002 3000
//	        set timeout 5000
//	        set sources "office" 192.168.1.0/24
//	        set success "__LOG__ opened ssh for __SRC_IP__"
//	    next
//	end
//
// OTP knocks use their name as the seed and either an explicit first-otp or
// a passphrase and count.
type KnockFileParser struct {
	scanner *bufio.Scanner
	line    int

	Knocks    []*model.Descriptor
	Addresses map[string]cidr.Set
	AddrGrps  map[string][]string

	defs []*knockDef
}

func NewKnockFileParser(reader io.Reader) *KnockFileParser {
	return &KnockFileParser{
		scanner:   bufio.NewScanner(reader),
		Addresses: make(map[string]cidr.Set),
		AddrGrps:  make(map[string][]string),
	}
}

// ParseKnockFile parses the definitions in path.
func ParseKnockFile(path string) ([]*model.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := NewKnockFileParser(f)
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p.Knocks, nil
}

func (p *KnockFileParser) Parse() error {
	for p.next() {
		line := strings.TrimSpace(p.scanner.Text())
		switch {
		case line == "config knock address":
			if err := p.parseAddressConfig(); err != nil {
				return fmt.Errorf("failed to parse knock address config: %w", err)
			}
		case line == "config knock addrgrp":
			if err := p.parseAddrGrpConfig(); err != nil {
				return fmt.Errorf("failed to parse knock addrgrp config: %w", err)
			}
		case strings.HasPrefix(line, "config knock "):
			kind := model.Kind(strings.TrimSpace(strings.TrimPrefix(line, "config knock ")))
			if kind != model.KindPortSequence && kind != model.KindUDPOTP && kind != model.KindDNS {
				return fmt.Errorf("line %d: unknown knock type %q", p.line, kind)
			}
			if err := p.parseKnockConfig(kind); err != nil {
				return fmt.Errorf("failed to parse %s config: %w", kind, err)
			}
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("error reading knock file: %w", err)
	}
	return p.buildKnocks()
}

func (p *KnockFileParser) next() bool {
	if !p.scanner.Scan() {
		return false
	}
	p.line++
	return true
}

func (p *KnockFileParser) parseAddressConfig() error {
	var current string
	for p.next() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts, err := splitArgs(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", p.line, err)
		}
		if len(parts) < 2 {
			if len(parts) == 1 && parts[0] == "next" {
				current = ""
			}
			continue
		}
		switch parts[0] {
		case "edit":
			current = parts[1]
			p.Addresses[current] = nil
		case "set":
			if current == "" || parts[1] != "subnet" {
				continue
			}
			set, err := ParseCIDRList(strings.Join(parts[2:], " "))
			if err != nil {
				return fmt.Errorf("line %d: address %q: %w", p.line, current, err)
			}
			p.Addresses[current] = append(p.Addresses[current], set...)
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *KnockFileParser) parseAddrGrpConfig() error {
	var current string
	for p.next() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts, err := splitArgs(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", p.line, err)
		}
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) > 1 {
				current = parts[1]
			}
		case "set":
			if current != "" && len(parts) > 1 && parts[1] == "member" {
				p.AddrGrps[current] = append([]string(nil), parts[2:]...)
			}
		case "next":
			current = ""
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *KnockFileParser) parseKnockConfig(kind model.Kind) error {
	var current *knockDef
	for p.next() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts, err := splitArgs(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", p.line, err)
		}
		if len(parts) == 0 || strings.HasPrefix(parts[0], "#") {
			continue
		}
		switch parts[0] {
		case "edit":
			if len(parts) != 2 || parts[1] == "" {
				return fmt.Errorf("line %d: edit needs one name", p.line)
			}
			current = &knockDef{kind: kind, name: parts[1], line: p.line, algorithm: string(otp.MD5)}
			p.defs = append(p.defs, current)
		case "set":
			if current == nil {
				return fmt.Errorf("line %d: set outside edit", p.line)
			}
			if len(parts) < 3 {
				return fmt.Errorf("line %d: set needs a value", p.line)
			}
			if err := current.set(parts[1], parts[2:]); err != nil {
				return fmt.Errorf("line %d: knock %q: %w", p.line, current.name, err)
			}
		case "next":
			current = nil
		default:
			return fmt.Errorf("line %d: unexpected %q", p.line, parts[0])
		}
	}
	return io.ErrUnexpectedEOF
}

func (d *knockDef) set(key string, args []string) error {
	joined := strings.Join(args, " ")
	var err error
	switch key {
	case "success":
		d.success = append(d.success, args...)
	case "bad-source":
		d.badSource = append(d.badSource, args...)
	case "sources":
		d.sources = append(d.sources, args...)
	case "ports":
		if d.kind != model.KindPortSequence {
			return fmt.Errorf("ports only applies to %s", model.KindPortSequence)
		}
		d.ports, err = ParsePortSequence(joined)
	case "timeout":
		if d.kind != model.KindPortSequence {
			return fmt.Errorf("timeout only applies to %s", model.KindPortSequence)
		}
		d.timeout, err = strconv.ParseUint(joined, 10, 64)
	case "replay", "port", "algorithm", "passphrase", "count", "first-otp", "domain":
		if d.kind == model.KindPortSequence {
			return fmt.Errorf("%s does not apply to %s", key, model.KindPortSequence)
		}
		return d.setOTP(key, args, joined)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return err
}

func (d *knockDef) setOTP(key string, args []string, joined string) error {
	var err error
	switch key {
	case "replay":
		d.replay = append(d.replay, args...)
	case "port":
		if d.kind == model.KindDNS {
			return fmt.Errorf("DNS knocks always use port %d", model.DNSPort)
		}
		d.port, err = parsePort(joined)
	case "algorithm":
		if !otp.ValidAlgorithm(joined) {
			return fmt.Errorf("%w: %q", otp.ErrUnknownAlgorithm, joined)
		}
		d.algorithm = joined
	case "passphrase":
		d.passphrase = joined
	case "count":
		d.count, err = strconv.Atoi(joined)
	case "first-otp":
		d.firstOTP, err = otp.FromReadable(joined)
	case "domain":
		if d.kind != model.KindDNS {
			return fmt.Errorf("domain only applies to %s", model.KindDNS)
		}
		d.domain = joined
	}
	return err
}

func (p *KnockFileParser) buildKnocks() error {
	p.Knocks = p.Knocks[:0]
	for _, def := range p.defs {
		d, err := p.buildKnock(def)
		if err != nil {
			return fmt.Errorf("knock %q (line %d): %w", def.name, def.line, err)
		}
		p.Knocks = append(p.Knocks, d)
	}
	return nil
}

func (p *KnockFileParser) buildKnock(def *knockDef) (*model.Descriptor, error) {
	var sources cidr.Set
	for _, name := range def.sources {
		resolved, err := p.resolveSource(name, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		sources = append(sources, resolved...)
	}

	var d *model.Descriptor
	if def.kind == model.KindPortSequence {
		d = model.NewPortSequence(def.ports, def.timeout, def.success, def.badSource, sources)
	} else {
		algo, err := otp.ParseAlgorithm(def.algorithm)
		if err != nil {
			return nil, err
		}
		first := def.firstOTP
		if first == nil {
			if def.passphrase == "" || def.count < 1 {
				return nil, fmt.Errorf("needs first-otp or a passphrase and a positive count")
			}
			data, err := otp.GetOTPData(algo, def.name, def.passphrase, def.count)
			if err != nil {
				return nil, err
			}
			first = data.FirstOTP
		}
		if def.kind == model.KindDNS {
			d = model.NewDNS(first, def.domain, def.name, algo, def.success, def.badSource, def.replay, sources)
		} else {
			d = model.NewUDPOTP(first, def.port, def.name, algo, def.success, def.badSource, def.replay, sources)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// resolveSource turns a sources entry into blocks. Entries that parse as a
// block are used directly, anything else names an address or a group.
func (p *KnockFileParser) resolveSource(name string, visited map[string]bool) (cidr.Set, error) {
	if b, err := cidr.Parse(name); err == nil {
		return cidr.Set{b}, nil
	}
	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in address group '%s'", name)
	}
	visited[name] = true
	defer delete(visited, name)

	var results cidr.Set
	found := false
	if set, ok := p.Addresses[name]; ok {
		results = append(results, set...)
		found = true
	}
	if members, ok := p.AddrGrps[name]; ok {
		for _, member := range members {
			resolved, err := p.resolveSource(member, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, resolved...)
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return results, nil
}

// splitArgs splits on whitespace, keeping double quoted runs together.
// Inside quotes a backslash escapes the next character.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		hasTok  bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == '"':
			inQuote = !inQuote
			hasTok = true
		case !inQuote && (c == ' ' || c == '\t'):
			if hasTok {
				args = append(args, cur.String())
				cur.Reset()
				hasTok = false
			}
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasTok {
		args = append(args, cur.String())
	}
	return args, nil
}
