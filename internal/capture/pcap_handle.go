package capture

import (
	"errors"
	"fmt"

	"github.com/atailh4n/sentryd/internal/config"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

type pcapCaptureHandle struct {
	handle *pcap.Handle
	iface  string
}

func newPcapCaptureHandle() *pcapCaptureHandle {
	return &pcapCaptureHandle{}
}

// Open opens a network interface for packet capture using libpcap.
func (ph *pcapCaptureHandle) Open(iface string, cfg *config.InterfaceConfig) error {
	ph.iface = iface

	handle, err := pcap.OpenLive(iface, defaultSnaplen(cfg.Snaplen), cfg.Promiscuous, defaultTimeout(cfg.TimeoutSecs))
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", iface, err)
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}

	ph.handle = handle
	return nil
}

// Close closes the capture handle.
func (ph *pcapCaptureHandle) Close() error {
	if ph.handle != nil {
		ph.handle.Close()
	}
	return nil
}

// ReadRecord reads a single packet off the interface and parses it directly
// into a PacketRecord; ok is false for a frame with no usable IP layer.
func (ph *pcapCaptureHandle) ReadRecord() (PacketRecord, bool, error) {
	if ph.handle == nil {
		return PacketRecord{}, false, errors.New("capture handle not opened")
	}

	data, ci, err := ph.handle.ReadPacketData()
	if err != nil {
		return PacketRecord{}, false, fmt.Errorf("failed to read packet: %w", err)
	}

	pkt := gopacket.NewPacket(data, ph.handle.LinkType(), frameDecodeOptions)
	pkt.Metadata().CaptureInfo = ci
	rec, ok := recordFromPacket(pkt)
	return rec, ok, nil
}

// Stats returns capture statistics.
func (ph *pcapCaptureHandle) Stats() (uint64, uint64, error) {
	if ph.handle == nil {
		return 0, 0, errors.New("capture handle not opened")
	}

	stats, err := ph.handle.Stats()
	if err != nil {
		return 0, 0, err
	}
	return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped), nil
}

// SetBPFFilter sets a BPF filter on the open handle.
func (ph *pcapCaptureHandle) SetBPFFilter(filter string) error {
	if ph.handle == nil {
		return errors.New("capture handle not opened")
	}
	return ph.handle.SetBPFFilter(filter)
}
