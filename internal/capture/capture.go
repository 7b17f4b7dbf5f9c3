// Package capture wraps libpcap as the packet source for the daemon and
// decodes captured frames into model.PacketContext values.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"cok/internal/model"
)

// ErrNoDevice is returned when no usable capture device exists.
var ErrNoDevice = errors.New("no capture device")

const (
	DefaultSnaplen = 1600
	readTimeout    = 500 * time.Millisecond
)

// Listener receives every decoded packet.
type Listener func(p *model.PacketContext)

// Source is the packet capture facility the registry drives.
type Source interface {
	FindDevice() (string, error)
	Open(device string, promiscuous bool) error
	SetFilter(expr string) error
	AddListener(l Listener) int
	RemoveListener(id int)
	// SwapListener removes old and adds the listener returned by build in
	// one step. No packet is delivered while build runs, so state read from
	// the old listener inside build cannot go stale.
	SwapListener(old int, build func() Listener) int
	Capture(ctx context.Context) error
	Close() error
}

// listeners fans packets out. Delivery holds the read lock for the whole
// packet, so changes wait until the packet in flight has been handled.
type listeners struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]Listener
	order  []int
}

func (ls *listeners) add(l Listener) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.addLocked(l)
}

func (ls *listeners) addLocked(l Listener) int {
	if ls.byID == nil {
		ls.byID = make(map[int]Listener)
	}
	ls.nextID++
	ls.byID[ls.nextID] = l
	ls.order = append(ls.order, ls.nextID)
	return ls.nextID
}

func (ls *listeners) remove(id int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.removeLocked(id)
}

func (ls *listeners) removeLocked(id int) {
	if _, ok := ls.byID[id]; !ok {
		return
	}
	delete(ls.byID, id)
	for i, v := range ls.order {
		if v == id {
			ls.order = append(ls.order[:i], ls.order[i+1:]...)
			break
		}
	}
}

func (ls *listeners) swap(old int, build func() Listener) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l := build()
	ls.removeLocked(old)
	return ls.addLocked(l)
}

func (ls *listeners) deliver(p *model.PacketContext) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, id := range ls.order {
		ls.byID[id](p)
	}
}

func (ls *listeners) count() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.order)
}

// PcapSource captures from a live interface with libpcap.
type PcapSource struct {
	listeners
	snaplen int32
	logger  *slog.Logger

	handleMu sync.Mutex
	handle   *pcap.Handle
}

func NewPcapSource(snaplen int, logger *slog.Logger) *PcapSource {
	if snaplen <= 0 {
		snaplen = DefaultSnaplen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PcapSource{snaplen: int32(snaplen), logger: logger}
}

// FindDevice picks the first interface with a non-loopback IPv4 address.
func (s *PcapSource) FindDevice() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	for _, dev := range devs {
		for _, addr := range dev.Addresses {
			if ip4 := addr.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return dev.Name, nil
			}
		}
	}
	return "", ErrNoDevice
}

func (s *PcapSource) Open(device string, promiscuous bool) error {
	h, err := pcap.OpenLive(device, s.snaplen, promiscuous, readTimeout)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", device, err)
	}
	s.handleMu.Lock()
	if s.handle != nil {
		s.handle.Close()
	}
	s.handle = h
	s.handleMu.Unlock()
	s.logger.Info("Capture device opened", "device", device, "promiscuous", promiscuous)
	return nil
}

func (s *PcapSource) SetFilter(expr string) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle == nil {
		return errors.New("capture handle not open")
	}
	if err := s.handle.SetBPFFilter(expr); err != nil {
		return fmt.Errorf("failed to set filter %q: %w", expr, err)
	}
	return nil
}

func (s *PcapSource) AddListener(l Listener) int { return s.add(l) }
func (s *PcapSource) RemoveListener(id int)      { s.remove(id) }

func (s *PcapSource) SwapListener(old int, build func() Listener) int {
	return s.swap(old, build)
}

// Capture reads packets until ctx is cancelled or the handle is closed.
// Each packet is handed to the listeners before the next one is read.
func (s *PcapSource) Capture(ctx context.Context) error {
	s.handleMu.Lock()
	h := s.handle
	s.handleMu.Unlock()
	if h == nil {
		return errors.New("capture handle not open")
	}

	packets := gopacket.NewPacketSource(h, h.LinkType()).Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			if p, ok := Decode(packet); ok {
				s.deliver(p)
			}
		}
	}
}

func (s *PcapSource) Close() error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}

// Decode extracts the IPv4 addresses, transport ports and payload of a TCP
// or UDP packet. Anything else is reported as not decodable.
func Decode(packet gopacket.Packet) (*model.PacketContext, bool) {
	if packet == nil {
		return nil, false
	}
	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, false
	}
	p := &model.PacketContext{SrcIP: ipLayer.SrcIP, DstIP: ipLayer.DstIP}
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		p.Proto = model.TCP
		p.SrcPort, p.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		p.Payload = tcp.Payload
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		p.Proto = model.UDP
		p.SrcPort, p.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		p.Payload = udp.Payload
	default:
		return nil, false
	}
	p.HasTransport = true
	return p, true
}
