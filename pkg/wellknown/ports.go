// Package wellknown maps well-known service names to ports and back.
package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"cok/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

type ServiceEntry struct {
	Protocol model.Protocol
	Port     uint16
}

var (
	serviceRegistry map[string][]ServiceEntry
	portNames       map[ServiceEntry]string
)

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	portNames = make(map[ServiceEntry]string)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}
		port, err := strconv.ParseUint(record[0], 10, 16)
		if err != nil {
			continue
		}
		register(strings.TrimSpace(record[1]), ServiceEntry{Protocol: model.TCP, Port: uint16(port)})
		register(strings.TrimSpace(record[2]), ServiceEntry{Protocol: model.UDP, Port: uint16(port)})
	}
}

func register(name string, entry ServiceEntry) {
	if name == "" || name == "N/A" {
		return
	}
	key := strings.ToUpper(name)
	serviceRegistry[key] = append(serviceRegistry[key], entry)
	if name == "domain" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
	portNames[entry] = name
}

// GetService returns the port and protocol for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}

// Lookup names the service registered on port for proto.
func Lookup(proto model.Protocol, port uint16) (string, bool) {
	name, ok := portNames[ServiceEntry{Protocol: proto, Port: port}]
	return name, ok
}

// SharedPorts lists the ports of d that belong to a well-known service, as
// "port/proto(name)".
func SharedPorts(d *model.Descriptor) []string {
	var shared []string
	proto := d.Protocol()
	for _, p := range d.Ports() {
		if name, ok := Lookup(proto, p); ok {
			shared = append(shared, strconv.Itoa(int(p))+"/"+string(proto)+"("+name+")")
		}
	}
	return shared
}
