// Package enrich adds ASN, country and reverse DNS details about knock
// sources to log records.
package enrich

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const (
	cacheTTL   = time.Hour
	dnsTimeout = time.Second
)

type Result struct {
	PTR     string
	ASN     uint
	ASNName string
	Country string
	City    string
	ts      time.Time
}

type Enricher struct {
	mu     sync.RWMutex
	cache  map[string]Result
	asnDB  *geoip2.Reader
	cityDB *geoip2.Reader

	// lookupAddr is nil unless reverse DNS is enabled.
	lookupAddr func(ctx context.Context, addr string) ([]string, error)
	now        func() time.Time
}

// New opens GeoLite2-ASN.mmdb and GeoLite2-City.mmdb from the first of dirs
// that has them. Missing databases are not an error. Reverse lookups send
// DNS queries of their own, so they are only made when resolvePTR is set.
func New(resolvePTR bool, dirs ...string) (*Enricher, error) {
	e := &Enricher{cache: make(map[string]Result), now: time.Now}
	if resolvePTR {
		e.lookupAddr = net.DefaultResolver.LookupAddr
	}

	var asnPath, cityPath string
	for _, d := range dirs {
		if asnPath == "" {
			p := filepath.Join(d, "GeoLite2-ASN.mmdb")
			if _, err := os.Stat(p); err == nil {
				asnPath = p
			}
		}
		if cityPath == "" {
			p := filepath.Join(d, "GeoLite2-City.mmdb")
			if _, err := os.Stat(p); err == nil {
				cityPath = p
			}
		}
	}

	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			return nil, err
		}
		e.asnDB = db
	}
	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.cityDB = db
	}
	return e, nil
}

func (e *Enricher) Close() {
	if e.asnDB != nil {
		_ = e.asnDB.Close()
	}
	if e.cityDB != nil {
		_ = e.cityDB.Close()
	}
}

// Enabled reports whether any lookup source is available.
func (e *Enricher) Enabled() bool {
	return e != nil && (e.asnDB != nil || e.cityDB != nil || e.lookupAddr != nil)
}

// Lookup returns cached details for ip, refreshing them after an hour.
func (e *Enricher) Lookup(ip net.IP) Result {
	key := ip.String()
	now := e.now()

	e.mu.RLock()
	if r, ok := e.cache[key]; ok && now.Sub(r.ts) < cacheTTL {
		e.mu.RUnlock()
		return r
	}
	e.mu.RUnlock()

	r := Result{ts: now}
	if e.lookupAddr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
		names, _ := e.lookupAddr(ctx, key)
		cancel()
		if len(names) > 0 {
			r.PTR = names[0]
		}
	}
	if e.asnDB != nil {
		if rec, err := e.asnDB.ASN(ip); err == nil && rec != nil {
			r.ASN = rec.AutonomousSystemNumber
			r.ASNName = rec.AutonomousSystemOrganization
		}
	}
	if e.cityDB != nil {
		if rec, err := e.cityDB.City(ip); err == nil && rec != nil {
			if name, ok := rec.Country.Names["en"]; ok && name != "" {
				r.Country = name
			} else {
				r.Country = rec.Country.IsoCode
			}
			r.City = rec.City.Names["en"]
		}
	}

	e.mu.Lock()
	e.cache[key] = r
	e.mu.Unlock()
	return r
}

// Attrs renders the non-empty fields of Lookup as slog key/value pairs.
func (e *Enricher) Attrs(ip net.IP) []any {
	if !e.Enabled() || ip == nil {
		return nil
	}
	r := e.Lookup(ip)
	var attrs []any
	if r.PTR != "" {
		attrs = append(attrs, "ptr", r.PTR)
	}
	if r.ASN != 0 {
		attrs = append(attrs, "asn", r.ASN, "asn_org", r.ASNName)
	}
	if r.Country != "" {
		attrs = append(attrs, "country", r.Country)
	}
	if r.City != "" {
		attrs = append(attrs, "city", r.City)
	}
	return attrs
}
