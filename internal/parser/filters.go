package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cok/internal/cidr"
	"cok/internal/model"
	"cok/pkg/wellknown"
)

var (
	listSeparators = regexp.MustCompile(`[\s,]+`)
	dashSpacing    = regexp.MustCompile(`\s*-\s*`)
	portToken      = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)
	serviceToken   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)
)

// ParsePortSequence expands a loosely written port list. Ports may be
// separated by spaces or any run of commas, and "a-b" expands to every port
// between a and b in the written direction, so "3-1" is 3 2 1. A well-known
// TCP service name such as "ssh" stands for its port.
func ParsePortSequence(s string) ([]uint16, error) {
	s = dashSpacing.ReplaceAllString(strings.TrimSpace(s), "-")
	var ports []uint16
	for _, tok := range listSeparators.Split(s, -1) {
		if tok == "" {
			continue
		}
		m := portToken.FindStringSubmatch(tok)
		if m == nil {
			p, ok := servicePort(tok)
			if !ok {
				return nil, fmt.Errorf("invalid port %q in sequence %q", tok, s)
			}
			ports = append(ports, p)
			continue
		}
		begin, err := parsePort(m[1])
		if err != nil {
			return nil, err
		}
		if m[2] == "" {
			ports = append(ports, begin)
			continue
		}
		end, err := parsePort(m[2])
		if err != nil {
			return nil, err
		}
		if begin <= end {
			for p := int(begin); p <= int(end); p++ {
				ports = append(ports, uint16(p))
			}
		} else {
			for p := int(begin); p >= int(end); p-- {
				ports = append(ports, uint16(p))
			}
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port sequence")
	}
	return ports, nil
}

// servicePort resolves a TCP service name through the well-known table.
func servicePort(name string) (uint16, bool) {
	if !serviceToken.MatchString(name) {
		return 0, false
	}
	entries, ok := wellknown.GetService(name)
	if !ok {
		return 0, false
	}
	for _, e := range entries {
		if e.Protocol == model.TCP {
			return e.Port, true
		}
	}
	return 0, false
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q out of range 1-65535", s)
	}
	return uint16(n), nil
}

// ParseCIDRList parses blocks separated by spaces or commas. An empty list
// is valid and admits every source.
func ParseCIDRList(s string) (cidr.Set, error) {
	var set cidr.Set
	for _, tok := range listSeparators.Split(strings.TrimSpace(s), -1) {
		if tok == "" {
			continue
		}
		b, err := cidr.Parse(tok)
		if err != nil {
			return nil, err
		}
		set = append(set, b)
	}
	return set, nil
}
