// Package capture turns raw captured frames into PacketRecords and engineers
// the windowed FeatureVector the anomaly detector and signature engine
// operate on.
package capture

// PacketRecord is the fixed-layout observation stored in the sliding window.
type PacketRecord struct {
	Timestamp  float64 // seconds, unix epoch
	SrcIP      string
	DestIP     string
	Protocol   uint8 // IANA protocol number
	PacketSize uint32
	Sport      uint16
	Dport      uint16
}

// Features is the ordered, bit-for-bit stable feature column list.
var Features = []string{
	"protocol",
	"packet_size_log",
	"time_diff",
	"dport",
	"is_ephemeral_sport",
	"unique_dports_15s",
	"direction",
}

// FeatureVector holds one engineered observation in Features order.
type FeatureVector struct {
	Protocol          float64
	PacketSizeLog     float64
	TimeDiff          float64
	Dport             float64
	IsEphemeralSport  float64
	UniqueDports15s   float64
	Direction         float64
}

// Row returns the vector as a slice in Features column order.
func (f FeatureVector) Row() []float64 {
	return []float64{
		f.Protocol,
		f.PacketSizeLog,
		f.TimeDiff,
		f.Dport,
		f.IsEphemeralSport,
		f.UniqueDports15s,
		f.Direction,
	}
}

// ephemeralSportThreshold is the IANA dynamic/private port range floor.
const ephemeralSportThreshold = 49152

// trailingWindowSeconds is the width of the unique-dport tracking window.
const trailingWindowSeconds = 15.0
