// Package geoenrich wraps a MaxMind GeoIP2 city database for optional
// alert/device enrichment. It degrades to no-op lookups, never an error,
// when no database path is configured.
package geoenrich

import (
	"log"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoInfo is the subset of a GeoIP2 city record sentryd cares about.
type GeoInfo struct {
	Country string
	City    string
	ISOCode string
	Lat     float64
	Lon     float64
}

// Provider looks up GeoInfo for an IP. A Provider constructed with an empty
// or unreadable database path is valid and always returns (nil, false).
type Provider struct {
	db *geoip2.Reader
}

// NewProvider opens the database at path. A missing path or unreadable
// file disables enrichment rather than failing process startup.
func NewProvider(path string) *Provider {
	if path == "" {
		return &Provider{}
	}
	db, err := geoip2.Open(path)
	if err != nil {
		log.Printf("geoenrich: database unavailable at %q, enrichment disabled: %v", path, err)
		return &Provider{}
	}
	return &Provider{db: db}
}

// Lookup returns GeoInfo for ipStr, or (nil, false) when enrichment is
// disabled, the IP is unparsable, or the IP has no city record.
func (p *Provider) Lookup(ipStr string) (*GeoInfo, bool) {
	if p.db == nil {
		return nil, false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, false
	}
	record, err := p.db.City(ip)
	if err != nil {
		return nil, false
	}
	return &GeoInfo{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
		ISOCode: record.Country.IsoCode,
		Lat:     record.Location.Latitude,
		Lon:     record.Location.Longitude,
	}, true
}

// Close releases the underlying database, if open.
func (p *Provider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
