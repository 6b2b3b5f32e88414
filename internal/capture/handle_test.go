package capture

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildTCPFrame(t *testing.T, srcIP, dstIP string, sport, dport uint16) gopacket.Packet {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport)}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("set network layer for checksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		t.Fatalf("serialize layers: %v", err)
	}

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LinkTypeEthernet, frameDecodeOptions)
	pkt.Metadata().Timestamp = time.Unix(1700000000, 0)
	return pkt
}

func TestRecordFromPacketParsesIPTCPLayers(t *testing.T) {
	pkt := buildTCPFrame(t, "198.51.100.7", "198.51.100.8", 54321, 443)

	rec, ok := recordFromPacket(pkt)
	if !ok {
		t.Fatal("recordFromPacket rejected a well-formed TCP/IPv4 frame")
	}
	if rec.SrcIP != "198.51.100.7" || rec.DestIP != "198.51.100.8" {
		t.Errorf("src/dst = %s/%s, want 198.51.100.7/198.51.100.8", rec.SrcIP, rec.DestIP)
	}
	if rec.Protocol != uint8(layers.IPProtocolTCP) {
		t.Errorf("protocol = %d, want %d (tcp)", rec.Protocol, layers.IPProtocolTCP)
	}
	if rec.Sport != 54321 || rec.Dport != 443 {
		t.Errorf("sport/dport = %d/%d, want 54321/443", rec.Sport, rec.Dport)
	}
	if rec.Timestamp != float64(time.Unix(1700000000, 0).Unix()) {
		t.Errorf("timestamp = %v, want the frame's capture time", rec.Timestamp)
	}
}

func TestRecordFromPacketRejectsNonIPFrame(t *testing.T) {
	// A bare Ethernet frame advertising an ARP ethertype: no IPv4/IPv6
	// layer will ever be decoded from it, regardless of how (or whether)
	// the ARP payload itself parses.
	raw := []byte{
		0, 0, 0, 0, 0, 2, // dst MAC
		0, 0, 0, 0, 0, 1, // src MAC
		0x08, 0x06, // ethertype: ARP
		0, 1, 2, 3, 4, 5, 6, 7, // arbitrary payload
	}
	pkt := gopacket.NewPacket(raw, layers.LinkTypeEthernet, frameDecodeOptions)
	if _, ok := recordFromPacket(pkt); ok {
		t.Fatal("recordFromPacket should reject a frame with no IP layer")
	}
}

func TestAppendRecordIsVisibleInWindowView(t *testing.T) {
	p := NewPacketProcessor(8)
	rec := PacketRecord{Timestamp: 5, SrcIP: "10.0.0.1", Dport: 22}
	p.AppendRecord(rec)

	view := p.GetWindowView()
	if len(view) != 1 || view[0] != rec {
		t.Fatalf("window view = %+v, want [%+v]", view, rec)
	}
}
