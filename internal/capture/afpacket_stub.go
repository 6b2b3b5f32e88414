//go:build !linux
// +build !linux

package capture

import (
	"errors"

	"github.com/atailh4n/sentryd/internal/config"
)

// afPacketCaptureHandle is unavailable outside Linux; AF_PACKET is a
// Linux-specific socket family.
type afPacketCaptureHandle struct{}

func newAFPacketCaptureHandle() (*afPacketCaptureHandle, error) {
	return nil, errors.New("af_packet capture is only supported on linux")
}

func (*afPacketCaptureHandle) Open(iface string, cfg *config.InterfaceConfig) error {
	return errors.New("af_packet capture is only supported on linux")
}

func (*afPacketCaptureHandle) Close() error { return nil }

func (*afPacketCaptureHandle) ReadRecord() (PacketRecord, bool, error) {
	return PacketRecord{}, false, errors.New("af_packet capture is only supported on linux")
}

func (*afPacketCaptureHandle) Stats() (uint64, uint64, error) {
	return 0, 0, errors.New("af_packet capture is only supported on linux")
}

func (*afPacketCaptureHandle) SetBPFFilter(filter string) error {
	return errors.New("af_packet capture is only supported on linux")
}
