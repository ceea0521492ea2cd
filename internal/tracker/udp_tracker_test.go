package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// serveUDPTracker answers exactly one connect and one announce datagram,
// mimicking the BEP15 exchange far enough to exercise UDPTracker.Announce.
func serveUDPTracker(t *testing.T, pc net.PacketConn, connID uint64, interval uint32, peers []byte) {
	t.Helper()

	buf := make([]byte, 4096)

	// Connect phase.
	n, addr, err := pc.ReadFrom(buf)
	if err != nil {
		t.Errorf("server: failed to read connect datagram: %s", err)
		return
	}
	if n != 16 {
		t.Errorf("server: connect datagram length = %d, want 16", n)
		return
	}
	connTransaction := binary.BigEndian.Uint32(buf[12:16])

	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], uint32(actionConnect))
	binary.BigEndian.PutUint32(resp[4:8], connTransaction)
	binary.BigEndian.PutUint64(resp[8:16], connID)
	if _, err := pc.WriteTo(resp, addr); err != nil {
		t.Errorf("server: failed to write connect response: %s", err)
		return
	}

	// Announce phase.
	n, addr, err = pc.ReadFrom(buf)
	if err != nil {
		t.Errorf("server: failed to read announce datagram: %s", err)
		return
	}
	if n != 98 {
		t.Errorf("server: announce datagram length = %d, want 98", n)
		return
	}
	gotConnID := binary.BigEndian.Uint64(buf[0:8])
	if gotConnID != connID {
		t.Errorf("server: announce connection id = %d, want %d", gotConnID, connID)
	}
	annTransaction := binary.BigEndian.Uint32(buf[12:16])

	announceResp := make([]byte, 20+len(peers))
	binary.BigEndian.PutUint32(announceResp[0:4], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(announceResp[4:8], annTransaction)
	binary.BigEndian.PutUint32(announceResp[8:12], interval)
	binary.BigEndian.PutUint32(announceResp[12:16], 0) // leechers
	binary.BigEndian.PutUint32(announceResp[16:20], 1) // seeders
	copy(announceResp[20:], peers)

	if _, err := pc.WriteTo(announceResp, addr); err != nil {
		t.Errorf("server: failed to write announce response: %s", err)
	}
}

func TestUDPTrackerAnnounce(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %s", err)
	}
	defer pc.Close()

	const connID = 0xDEADBEEFCAFE
	peerBytes := []byte{192, 168, 1, 5, 0x1A, 0xE1}

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveUDPTracker(t, pc, connID, 1800, peerBytes)
	}()

	tr := &UDPTracker{URL: "udp://" + pc.LocalAddr().String() + "/announce"}

	var infoHash, peerID [20]byte
	copy(infoHash[:], "INFOHASH-TWENTY-BYTE")
	copy(peerID[:], "-TM0001-PEERID123456")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := tr.Announce(ctx, Request{
		InfoHash: infoHash,
		PeerID:   peerID,
		Left:     1000,
		Port:     6881,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	<-done

	if result.Interval != 1800*time.Second {
		t.Errorf("interval = %s, want 1800s", result.Interval)
	}
	if len(result.Peers) != 1 || result.Peers[0].String() != "192.168.1.5:6881" {
		t.Errorf("unexpected peers: %+v", result.Peers)
	}
}

func TestParseUDPURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"udp://tracker.example.com:6969/announce", "tracker.example.com:6969", false},
		{"udp://tracker.example.com:6969", "tracker.example.com:6969", false},
		{"http://tracker.example.com:6969/announce", "", true},
		{"udp://tracker.example.com/announce", "", true},
	}

	for _, tt := range tests {
		got, err := parseUDPURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseUDPURL(%q): expected error, got none", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseUDPURL(%q): unexpected error: %s", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseUDPURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
