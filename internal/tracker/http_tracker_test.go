package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
)

func TestHTTPTrackerAnnounce(t *testing.T) {
	var gotQuery map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()

		resp := trackerResponse{
			Interval: 900,
			Peers:    string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
		}
		if err := bencode.Marshal(w, resp); err != nil {
			t.Fatalf("failed to write response: %s", err)
		}
	}))
	defer server.Close()

	tr := &HTTPTracker{URL: server.URL}

	var infoHash, peerID [20]byte
	copy(infoHash[:], "INFOHASH-TWENTY-BYTE")
	copy(peerID[:], "-TM0001-PEERID123456")

	req := Request{
		InfoHash:   infoHash,
		PeerID:     peerID,
		Downloaded: 100,
		Left:       900,
		Uploaded:   0,
		Port:       6881,
	}

	result, err := tr.Announce(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if result.Interval.Seconds() != 900 {
		t.Errorf("interval = %s, want 900s", result.Interval)
	}
	if len(result.Peers) != 1 || result.Peers[0].String() != "127.0.0.1:6881" {
		t.Errorf("unexpected peers: %+v", result.Peers)
	}

	if gotQuery.Get("port") != "6881" {
		t.Errorf("port query param = %q, want 6881", gotQuery.Get("port"))
	}
	if gotQuery.Get("compact") != "1" {
		t.Errorf("compact query param = %q, want 1", gotQuery.Get("compact"))
	}
	if gotQuery.Get("left") != "900" {
		t.Errorf("left query param = %q, want 900", gotQuery.Get("left"))
	}
}

func TestHTTPTrackerFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := trackerResponse{FailureReason: "torrent not registered"}
		bencode.Marshal(w, resp)
	}))
	defer server.Close()

	tr := &HTTPTracker{URL: server.URL}
	_, err := tr.Announce(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error from tracker failure reason")
	}
}

func TestHTTPTrackerBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr := &HTTPTracker{URL: server.URL}
	_, err := tr.Announce(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error for 500 status")
	}
}
