package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// HTTPTracker announces over plain HTTP(S) GET requests, bencode-encoded
// responses, BEP23 compact peer list.
type HTTPTracker struct {
	URL string

	// Client is the transport used for the announce request. Defaults to
	// an internal client with a bounded timeout when nil.
	Client *http.Client
}

type trackerResponse struct {
	FailureReason  string `bencode:"failure reason"`
	WarningMessage string `bencode:"warning message"`
	Interval       int    `bencode:"interval"`
	MinInterval    int    `bencode:"min interval"`
	TrackerID      string `bencode:"tracker id"`
	Complete       int    `bencode:"complete"`
	Incomplete     int    `bencode:"incomplete"`
	Peers          string `bencode:"peers"`
}

func (t *HTTPTracker) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (t *HTTPTracker) buildURL(req Request) (string, error) {
	base, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse tracker url: %w", err)
	}

	q := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Announce issues one HTTP GET announce and parses the bencoded response.
func (t *HTTPTracker) Announce(ctx context.Context, req Request) (*Result, error) {
	announceURL, err := t.buildURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracker request: %w", err)
	}

	res, err := t.client().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tracker: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("tracker responded with status %d", res.StatusCode)
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(res.Body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse tracker response: %w", err)
	}

	if tr.FailureReason != "" {
		return nil, fmt.Errorf("tracker responded with failure: %s", tr.FailureReason)
	}

	peers, err := parseCompactPeers([]byte(tr.Peers))
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers list: %w", err)
	}

	interval := tr.Interval
	if interval <= 0 {
		interval = 1800
	}

	return &Result{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}
