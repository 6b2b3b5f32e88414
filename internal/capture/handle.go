package capture

import (
	"time"

	"github.com/atailh4n/sentryd/internal/config"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// CaptureType selects which backend NewCaptureHandle constructs.
type CaptureType string

const (
	CaptureTypePCAP     CaptureType = "pcap"
	CaptureTypeAFPacket CaptureType = "af_packet"
)

// CaptureHandle is a live packet source that hands back already-parsed
// PacketRecords rather than raw frames, so every backend shares exactly one
// notion of what a record is with the rest of the package.
type CaptureHandle interface {
	// Open opens a capture interface.
	Open(iface string, cfg *config.InterfaceConfig) error
	// Close closes the capture handle.
	Close() error
	// ReadRecord reads and parses a single frame. ok is false, with a nil
	// error, for a frame that decodes but carries no usable IP layer.
	ReadRecord() (PacketRecord, bool, error)
	// Stats returns (received, dropped) packet counts.
	Stats() (uint64, uint64, error)
	// SetBPFFilter sets a BPF filter.
	SetBPFFilter(filter string) error
}

// NewCaptureHandle constructs a CaptureHandle for the given type.
func NewCaptureHandle(captureType CaptureType) (CaptureHandle, error) {
	switch captureType {
	case CaptureTypePCAP:
		return newPcapCaptureHandle(), nil
	case CaptureTypeAFPacket:
		return newAFPacketCaptureHandle()
	default:
		return nil, &UnsupportedCaptureTypeError{CaptureType: captureType}
	}
}

// UnsupportedCaptureTypeError is returned for an unknown capture type.
type UnsupportedCaptureTypeError struct {
	CaptureType CaptureType
}

func (e *UnsupportedCaptureTypeError) Error() string {
	return string(e.CaptureType) + " is not a supported capture type"
}

// frameDecodeOptions skips stream reassembly and decoder panic recovery,
// neither of which recordFromPacket's IP/TCP/UDP extraction ever touches.
var frameDecodeOptions = gopacket.DecodeOptions{
	DecodeStreamsAsDatagrams: true,
	NoCopy:                   false,
	SkipDecodeRecovery:       true,
}

func defaultSnaplen(snaplen int) int32 {
	if snaplen <= 0 {
		return 1600
	}
	return int32(snaplen)
}

func defaultTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// recordFromPacket parses a decoded frame's IP/TCP/UDP layers into a
// PacketRecord. Frames without an IPv4/IPv6 layer, or whose transport layer
// fails a type assertion, are reported via ok=false.
func recordFromPacket(frame gopacket.Packet) (PacketRecord, bool) {
	var srcIP, dstIP string
	var protocol uint8

	switch {
	case frame.Layer(layers.LayerTypeIPv4) != nil:
		ip, ok := frame.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return PacketRecord{}, false
		}
		srcIP, dstIP, protocol = ip.SrcIP.String(), ip.DstIP.String(), uint8(ip.Protocol)
	case frame.Layer(layers.LayerTypeIPv6) != nil:
		ip, ok := frame.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return PacketRecord{}, false
		}
		srcIP, dstIP, protocol = ip.SrcIP.String(), ip.DstIP.String(), uint8(ip.NextHeader)
	default:
		return PacketRecord{}, false
	}

	var sport, dport uint16
	switch {
	case frame.Layer(layers.LayerTypeTCP) != nil:
		tcp, ok := frame.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return PacketRecord{}, false
		}
		sport, dport = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case frame.Layer(layers.LayerTypeUDP) != nil:
		udp, ok := frame.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return PacketRecord{}, false
		}
		sport, dport = uint16(udp.SrcPort), uint16(udp.DstPort)
	}

	ts := frame.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return PacketRecord{
		Timestamp:  float64(ts.UnixNano()) / 1e9,
		SrcIP:      srcIP,
		DestIP:     dstIP,
		Protocol:   protocol,
		PacketSize: uint32(len(frame.Data())),
		Sport:      sport,
		Dport:      dport,
	}, true
}
