package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"
)

// protocolMagic is the fixed connection id BEP15 requires on the initial
// connect request.
const protocolMagic uint64 = 0x41727101980

const (
	actionConnect  int32 = 0
	actionAnnounce int32 = 1

	udpDialTimeout = 5 * time.Second
	udpIOTimeout   = 5 * time.Second
)

// UDPTracker announces via the BEP15 UDP tracker protocol: a connect
// exchange to obtain a connection id, followed by an announce exchange
// carrying the actual request.
type UDPTracker struct {
	URL string
}

// Announce performs the connect then announce datagram round trips over
// a single UDP socket.
func (t *UDPTracker) Announce(ctx context.Context, req Request) (*Result, error) {
	host, err := parseUDPURL(t.URL)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("udp", host, udpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial udp tracker: %w", err)
	}
	defer conn.Close()

	connID, err := udpConnect(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("udp connect failed: %w", err)
	}

	return udpAnnounce(ctx, conn, connID, req)
}

// parseUDPURL strips the udp:// scheme and any path, returning a
// host:port suitable for net.Dial.
func parseUDPURL(raw string) (string, error) {
	rest, ok := strings.CutPrefix(raw, "udp://")
	if !ok {
		return "", fmt.Errorf("not a udp url: %q", raw)
	}

	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		rest = rest[:slash]
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return "", fmt.Errorf("failed to parse udp tracker host: %w", err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid udp tracker port %q: %w", port, err)
	}

	return net.JoinHostPort(host, port), nil
}

// udpConnect runs the connect phase described in BEP15 §2, returning the
// connection id the tracker assigned for the subsequent announce.
func udpConnect(ctx context.Context, conn net.Conn) (uint64, error) {
	transactionID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], uint32(actionConnect))
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	resp, err := udpRoundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}

	resAction := int32(binary.BigEndian.Uint32(resp[0:4]))
	resTransaction := binary.BigEndian.Uint32(resp[4:8])
	if resAction != actionConnect || resTransaction != transactionID {
		return 0, fmt.Errorf("unexpected connect response (action=%d transaction=%d)", resAction, resTransaction)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// udpAnnounce runs the announce phase described in BEP15 §2.2, using
// connID from a prior connect, and parses the compact peer list from the
// response tail.
func udpAnnounce(ctx context.Context, conn net.Conn, connID uint64, req Request) (*Result, error) {
	transactionID := rand.Uint32()
	key := rand.Uint32()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], 0) // event: none
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip_address: default
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], ^uint32(0)) // num_want: -1, server default
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	resp, err := udpRoundTripMin(ctx, conn, buf, 20)
	if err != nil {
		return nil, err
	}

	resAction := int32(binary.BigEndian.Uint32(resp[0:4]))
	resTransaction := binary.BigEndian.Uint32(resp[4:8])
	if resAction != actionAnnounce || resTransaction != transactionID {
		return nil, fmt.Errorf("unexpected announce response (action=%d transaction=%d)", resAction, resTransaction)
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := parseCompactPeers(resp[20:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse udp peers list: %w", err)
	}

	return &Result{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

// udpRoundTrip sends req, reads one datagram of at least wantLen bytes
// and returns its first wantLen bytes.
func udpRoundTrip(ctx context.Context, conn net.Conn, req []byte, wantLen int) ([]byte, error) {
	resp, err := udpRoundTripMin(ctx, conn, req, wantLen)
	if err != nil {
		return nil, err
	}
	return resp[:wantLen], nil
}

// udpRoundTripMin sends req and reads a datagram of at least minLen
// bytes, returning the whole datagram (trailing compact-peer data for
// announce responses has variable length).
func udpRoundTripMin(ctx context.Context, conn net.Conn, req []byte, minLen int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(udpIOTimeout))
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send datagram: %w", err)
	}

	resp := make([]byte, 65536)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read datagram: %w", err)
	}
	if n < minLen {
		return nil, fmt.Errorf("datagram too short: got %d bytes, want at least %d", n, minLen)
	}

	return resp[:n], nil
}
