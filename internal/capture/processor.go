package capture

import (
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/atailh4n/sentryd/internal/window"
)

// protocolBySynonym maps a lowercase protocol name to its IANA number, used
// when extract_features is fed a string protocol rather than a number.
var protocolBySynonym = map[string]uint8{
	"tcp":  6,
	"udp":  17,
	"icmp": 1,
}

// PacketProcessor appends PacketRecords to a RingWindow and engineers the
// FeatureVector columns for the detector. Every caller — the live capture
// loop, training, and the map-keyed ExtractFeatures entrypoint — shares the
// same batch EngineerFeatures algorithm over the window snapshot, so no
// caller can observe a different unique_dports_15s accounting than another.
type PacketProcessor struct {
	mu  sync.Mutex
	win *window.RingWindow[PacketRecord]

	localIPs map[string]struct{}
}

// NewPacketProcessor constructs a processor with the given window capacity.
// Local IPs are gathered once, at construction, from the host's interfaces.
func NewPacketProcessor(windowSize int) *PacketProcessor {
	return &PacketProcessor{
		win:      window.WithCapacity[PacketRecord](windowSize),
		localIPs: gatherLocalIPs(),
	}
}

func gatherLocalIPs() map[string]struct{} {
	ips := make(map[string]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil {
			ips[ip.String()] = struct{}{}
		}
	}
	return ips
}

// IsLocalIP reports whether ip was one of the host's own interface
// addresses gathered at construction.
func (p *PacketProcessor) IsLocalIP(ip string) bool {
	_, ok := p.localIPs[ip]
	return ok
}

// SetWindowSize reconfigures the ring, retaining the newest records.
func (p *PacketProcessor) SetWindowSize(newSize int) {
	if newSize < 1 {
		newSize = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.win.Resize(newSize)
}

// GetWindowView returns a copy of the current window contents, oldest first.
func (p *PacketProcessor) GetWindowView() []PacketRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.win.Snapshot()
}

// AppendRecord pushes an already-parsed record onto the window without
// engineering any features. The capture loop uses this for every live
// frame, then re-derives features for the whole window via EngineerFeatures
// so the score it hands to the detector is never computed a different way
// than training computed the model that's scoring it.
func (p *PacketProcessor) AppendRecord(rec PacketRecord) {
	p.mu.Lock()
	p.win.Push(rec)
	p.mu.Unlock()
}

// ExtractFeatures accepts a heterogeneously keyed packet-like map, appends
// the corresponding record to the window, and returns the engineered
// FeatureVector for that record by re-running EngineerFeatures over the
// full window snapshot — the same batch algorithm AppendRecord callers use,
// so a map-fed record and a wire-captured one are scored identically.
func (p *PacketProcessor) ExtractFeatures(packet map[string]any) FeatureVector {
	timestamp := firstFloat(packet, 0, "timestamp", "ts")
	srcIP := firstString(packet, "src_ip", "source", "ip")
	dstIP := firstString(packet, "dest_ip", "dst_ip", "destination")
	protocol := protocolFromAny(firstAny(packet, "protocol", "proto"))
	packetSize := uint32(firstFloat(packet, 0, "packet_size", "length", "size"))
	sport := uint16(firstFloat(packet, 0, "sport", "src_port", "source_port"))
	dport := uint16(firstFloat(packet, 0, "dport", "dst_port", "destination_port"))

	rec := PacketRecord{
		Timestamp:  timestamp,
		SrcIP:      srcIP,
		DestIP:     dstIP,
		Protocol:   protocol,
		PacketSize: packetSize,
		Sport:      sport,
		Dport:      dport,
	}

	p.mu.Lock()
	p.win.Push(rec)
	snapshot := p.win.Snapshot()
	p.mu.Unlock()

	features, _ := p.EngineerFeatures(snapshot)
	if len(features) == 0 {
		return FeatureVector{}
	}
	return features[len(features)-1]
}

// EngineerFeatures computes the batch feature table over a window snapshot.
// It stably sorts by timestamp if the input is not already monotonic, then
// returns the feature rows alongside the (possibly reordered) records.
func (p *PacketProcessor) EngineerFeatures(win []PacketRecord) ([]FeatureVector, []PacketRecord) {
	if len(win) == 0 {
		return nil, nil
	}

	processed := win
	if !isMonotonic(win) {
		processed = make([]PacketRecord, len(win))
		copy(processed, win)
		sort.SliceStable(processed, func(i, j int) bool {
			return processed[i].Timestamp < processed[j].Timestamp
		})
	}

	refTS := processed[len(processed)-1].Timestamp
	cutoff := refTS - trailingWindowSeconds
	uniqueCounts := countUniqueDports(processed, cutoff)

	features := make([]FeatureVector, len(processed))
	var prevTS float64
	for i, rec := range processed {
		var timeDiff float64
		if i > 0 {
			timeDiff = rec.Timestamp - prevTS
			if timeDiff < 0 {
				timeDiff = 0
			}
		}
		prevTS = rec.Timestamp

		sizeLog := 0.0
		if rec.PacketSize > 0 {
			sizeLog = math.Log1p(float64(rec.PacketSize))
		}

		ephemeral := 0.0
		if rec.Sport >= ephemeralSportThreshold {
			ephemeral = 1.0
		}

		direction := 0.0
		if _, ok := p.localIPs[rec.SrcIP]; ok {
			direction = 1.0
		}

		fv := FeatureVector{
			Protocol:         float64(rec.Protocol),
			PacketSizeLog:    sizeLog,
			TimeDiff:         timeDiff,
			Dport:            float64(rec.Dport),
			IsEphemeralSport: ephemeral,
			UniqueDports15s:  float64(uniqueCounts[rec.SrcIP]),
			Direction:        direction,
		}
		features[i] = cleanNaNInf(fv)
	}

	return features, processed
}

func isMonotonic(recs []PacketRecord) bool {
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp < recs[i-1].Timestamp {
			return false
		}
	}
	return true
}

func countUniqueDports(recs []PacketRecord, cutoff float64) map[string]int {
	seen := make(map[string]map[uint16]struct{})
	for _, rec := range recs {
		if rec.Timestamp < cutoff {
			continue
		}
		set, ok := seen[rec.SrcIP]
		if !ok {
			set = make(map[uint16]struct{})
			seen[rec.SrcIP] = set
		}
		set[rec.Dport] = struct{}{}
	}
	out := make(map[string]int, len(seen))
	for ip, set := range seen {
		out[ip] = len(set)
	}
	return out
}

func cleanNaNInf(fv FeatureVector) FeatureVector {
	clean := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0.0
		}
		return v
	}
	return FeatureVector{
		Protocol:         clean(fv.Protocol),
		PacketSizeLog:    clean(fv.PacketSizeLog),
		TimeDiff:         clean(fv.TimeDiff),
		Dport:            clean(fv.Dport),
		IsEphemeralSport: clean(fv.IsEphemeralSport),
		UniqueDports15s:  clean(fv.UniqueDports15s),
		Direction:        clean(fv.Direction),
	}
}

func firstAny(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	v := firstAny(m, keys...)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func firstFloat(m map[string]any, def float64, keys ...string) float64 {
	v := firstAny(m, keys...)
	if v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint16:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func protocolFromAny(v any) uint8 {
	switch n := v.(type) {
	case nil:
		return 0
	case string:
		if num, ok := protocolBySynonym[strings.ToLower(n)]; ok {
			return num
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return uint8(f)
	case float64:
		return uint8(n)
	case int:
		return uint8(n)
	default:
		return 0
	}
}
