package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"
)

func bencodeUnmarshal(data []byte, v interface{}) error {
	return bencode.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// HTTPTracker announces over a bencoded HTTP GET, per BEP 3.
type HTTPTracker struct {
	url     string
	client  *http.Client
	numWant int
}

// NewHTTPTracker builds a tracker client for an http(s):// announce URL.
func NewHTTPTracker(rawURL string, timeout time.Duration) *HTTPTracker {
	return &HTTPTracker{
		url:     rawURL,
		client:  &http.Client{Timeout: timeout},
		numWant: 50,
	}
}

func (t *HTTPTracker) URL() string { return t.url }

// percentEncodeRaw percent-encodes every non-unreserved byte of b as
// %XX, matching BEP 3's requirement that info hash and peer id be
// percent-encoded as raw bytes rather than as a text-escaped string.
func percentEncodeRaw(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			out = append(out, c)
		} else {
			out = append(out, '%', hex[c>>4], hex[c&0xf])
		}
	}
	return string(out)
}

func (t *HTTPTracker) Announce(infoHash, peerID [20]byte, port int, stats Stats, event Event) (*Response, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("port", strconv.Itoa(port))
	q.Set("uploaded", strconv.FormatInt(stats.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(stats.Downloaded, 10))
	q.Set("left", strconv.FormatInt(stats.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(t.numWant))
	if ev := event.String(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode() + "&info_hash=" + percentEncodeRaw(infoHash[:]) + "&peer_id=" + percentEncodeRaw(peerID[:])

	resp, err := t.client.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	var raw struct {
		FailureReason string      `bencode:"failure reason"`
		Interval      int         `bencode:"interval"`
		MinInterval   int         `bencode:"min interval"`
		Complete      int         `bencode:"complete"`
		Incomplete    int         `bencode:"incomplete"`
		Peers         bencode.RawMessage `bencode:"peers"`
	}
	if err := bencodeUnmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw.FailureReason != "" {
		return nil, &TrackerFailure{Reason: raw.FailureReason}
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval:    raw.Interval,
		MinInterval: raw.MinInterval,
		Complete:    raw.Complete,
		Incomplete:  raw.Incomplete,
		Peers:       peers,
	}, nil
}

// decodePeers accepts either the compact binary-blob form or the
// dictionary-list form of the `peers` key.
func decodePeers(raw bencode.RawMessage) ([]Peer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	// Compact form: a bencoded byte string of 6-byte records.
	var blob string
	if err := bencodeUnmarshal(raw, &blob); err == nil {
		return decodeCompactPeers([]byte(blob))
	}

	// Non-compact form: a list of {ip, port, peer id} dictionaries.
	var list []struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	if err := bencodeUnmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return dedupe(filterZero(toPeersFromList(list)))
}

func toPeersFromList(list []struct {
	IP   string `bencode:"ip"`
	Port uint16 `bencode:"port"`
}) []Peer {
	out := make([]Peer, 0, len(list))
	for _, e := range list {
		ip := net.ParseIP(e.IP)
		if ip == nil {
			continue
		}
		out = append(out, Peer{IP: ip, Port: e.Port})
	}
	return out
}

func decodeCompactPeers(blob []byte) ([]Peer, error) {
	if len(blob)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", ErrMalformedResponse, len(blob))
	}
	var out []Peer
	for i := 0; i+6 <= len(blob); i += 6 {
		ip := net.IPv4(blob[i], blob[i+1], blob[i+2], blob[i+3])
		port := uint16(blob[i+4])<<8 | uint16(blob[i+5])
		out = append(out, Peer{IP: ip, Port: port})
	}
	return dedupe(filterZero(out))
}

// filterZero drops 0.0.0.0:0 and zero-port peers, per BEP 3 convention
// and the spec's explicit "port 0 is dropped" rule.
func filterZero(peers []Peer) []Peer {
	out := peers[:0]
	for _, p := range peers {
		if p.Port == 0 {
			continue
		}
		if v4 := p.IP.To4(); v4 != nil && v4.Equal(net.IPv4zero.To4()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func dedupe(peers []Peer) ([]Peer, error) {
	seen := make(map[string]struct{}, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
