// Package engine classifies captured packets and hands them to the knocks
// that listen on their protocol and port.
package engine

import (
	"slices"
	"strconv"
	"strings"

	"cok/internal/knock"
	"cok/internal/metrics"
	"cok/internal/model"
)

// Dispatcher holds one immutable generation of the active knocks, split into
// the three working lists. A rebuild creates a new Dispatcher rather than
// mutating this one.
type Dispatcher struct {
	portSeq []knock.Knock
	udpOTP  []knock.Knock
	dns     []knock.Knock

	portIndex map[string]struct{}
	filter    string
}

func NewDispatcher(knocks []knock.Knock) *Dispatcher {
	d := &Dispatcher{portIndex: make(map[string]struct{})}
	descs := make([]*model.Descriptor, 0, len(knocks))
	for _, k := range knocks {
		switch k.(type) {
		case *knock.DNS:
			d.dns = append(d.dns, k)
		case *knock.UDPOTP:
			d.udpOTP = append(d.udpOTP, k)
		case *knock.PortSequence:
			d.portSeq = append(d.portSeq, k)
		default:
			continue
		}
		desc := k.Descriptor()
		for _, port := range desc.Ports() {
			d.portIndex[portKey(desc.Protocol(), port)] = struct{}{}
		}
		descs = append(descs, desc)
	}
	d.filter = BuildFilter(descs)
	return d
}

// Dispatch evaluates one packet synchronously. TCP goes to the port sequence
// knocks. UDP to port 53 goes to the DNS knocks and then, like every UDP
// packet, to the UDP OTP knocks, so a UDP OTP knock bound to 53 also sees it.
func (d *Dispatcher) Dispatch(p *model.PacketContext) {
	if d == nil || p == nil || !p.HasTransport {
		return
	}
	metrics.Packets.WithLabelValues(string(p.Proto)).Inc()
	if _, ok := d.portIndex[portKey(p.Proto, p.DstPort)]; !ok {
		return
	}
	switch p.Proto {
	case model.TCP:
		for _, k := range d.portSeq {
			k.CheckPacket(p)
		}
	case model.UDP:
		if p.DstPort == model.DNSPort {
			for _, k := range d.dns {
				k.CheckPacket(p)
			}
		}
		for _, k := range d.udpOTP {
			k.CheckPacket(p)
		}
	}
}

// Filter is the capture filter for this generation.
func (d *Dispatcher) Filter() string {
	if d == nil {
		return ""
	}
	return d.filter
}

// Knocks returns every knock in list order: port sequences, UDP OTP, DNS.
func (d *Dispatcher) Knocks() []knock.Knock {
	if d == nil {
		return nil
	}
	all := make([]knock.Knock, 0, d.Len())
	all = append(all, d.portSeq...)
	all = append(all, d.udpOTP...)
	return append(all, d.dns...)
}

func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.portSeq) + len(d.udpOTP) + len(d.dns)
}

// BuildFilter renders "tcp port P1 or ... or udp port Q1 ..." with every
// distinct port once, TCP first and each group in ascending order. No
// descriptors yields an empty filter.
func BuildFilter(descs []*model.Descriptor) string {
	ports := map[model.Protocol]map[uint16]struct{}{
		model.TCP: {},
		model.UDP: {},
	}
	for _, d := range descs {
		if d == nil {
			continue
		}
		for _, port := range d.Ports() {
			ports[d.Protocol()][port] = struct{}{}
		}
	}

	var terms []string
	for _, proto := range []model.Protocol{model.TCP, model.UDP} {
		sorted := make([]uint16, 0, len(ports[proto]))
		for port := range ports[proto] {
			sorted = append(sorted, port)
		}
		slices.Sort(sorted)
		for _, port := range sorted {
			terms = append(terms, string(proto)+" port "+strconv.Itoa(int(port)))
		}
	}
	return strings.Join(terms, " or ")
}

func portKey(proto model.Protocol, port uint16) string {
	return string(proto) + ":" + strconv.Itoa(int(port))
}
