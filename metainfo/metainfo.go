// Package metainfo parses torrent descriptors and magnet URIs into the
// immutable content manifest the rest of the engine schedules around.
package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/opencontainers/go-digest"

	"goleech/bencode"
	"goleech/internal/bterrors"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent's info dict, shared by
// every peer in its swarm.
type InfoHash [20]byte

func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

// Digest renders the info-hash as a content-addressed digest, the way
// uber-kraken names and logs blobs it stores.
func (h InfoHash) Digest() digest.Digest {
	return digest.Digest(fmt.Sprintf("sha1:%s", h.String()))
}

// Manifest is the ordered piece-hash sequence plus the size invariants of a
// torrent's content descriptor.
type Manifest struct {
	InfoHash    InfoHash
	Name        string
	PieceLength int
	Length      int
	Hashes      [][20]byte
	Trackers    []string

	// RawInfo is the exact source bytes the info-hash was derived from,
	// kept so a magnet bootstrap's assembled metadata can be cached
	// byte-for-byte as "<hex-info-hash>.meta".
	RawInfo []byte
}

// PieceSize returns the size of piece i: PieceLength for every piece except
// the last, which may be shorter.
func (m *Manifest) PieceSize(i int) int {
	n := len(m.Hashes)
	if i < 0 || i >= n {
		return 0
	}
	if i < n-1 {
		return m.PieceLength
	}
	return m.Length - m.PieceLength*(n-1)
}

const hashSize = 20

// ParseTorrent decodes a bencode torrent-file dict and derives its Manifest.
// The info-hash is the SHA-1 of the exact source bytes of the "info" entry,
// not a re-encoding, so it is correct regardless of key order.
func ParseTorrent(data []byte) (*Manifest, error) {
	top, err := bencode.Parse(data)
	if err != nil {
		return nil, err
	}
	if top.Kind() != bencode.KindDict {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "torrent file is not a dict")
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "torrent file missing \"info\"")
	}
	rawInfo, ok := infoVal.Raw()
	if !ok {
		rawInfo = bencode.Encode(infoVal)
	}

	manifest, err := buildManifestFromInfo(infoVal, rawInfo)
	if err != nil {
		return nil, err
	}
	manifest.Trackers = extractTrackers(top)
	return manifest, nil
}

// ParseInfoDict builds a Manifest directly from an assembled info dict's raw
// bytes, as produced by the ut_metadata bootstrap of magnet-link mode. It
// verifies the bytes hash to expectedHash before trusting any of their
// content.
func ParseInfoDict(raw []byte, expectedHash InfoHash, trackers []string) (*Manifest, error) {
	got := InfoHash(sha1.Sum(raw))
	if got != expectedHash {
		return nil, bterrors.Wrapf(bterrors.ErrHashMismatch, "assembled info dict hashes to %s, want %s", got, expectedHash)
	}
	infoVal, err := bencode.Parse(raw)
	if err != nil {
		return nil, err
	}
	manifest, err := buildManifestFromInfo(infoVal, raw)
	if err != nil {
		return nil, err
	}
	manifest.Trackers = trackers
	return manifest, nil
}

func buildManifestFromInfo(infoVal bencode.Value, rawInfo []byte) (*Manifest, error) {
	infoHash := InfoHash(sha1.Sum(rawInfo))

	name, err := getString(infoVal, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := getInt(infoVal, "piece length")
	if err != nil {
		return nil, err
	}
	length, err := getInt(infoVal, "length")
	if err != nil {
		return nil, err
	}
	piecesBlob, err := getBytes(infoVal, "pieces")
	if err != nil {
		return nil, err
	}

	hashes, err := splitHashes(piecesBlob)
	if err != nil {
		return nil, err
	}

	if err := checkSizeInvariant(length, pieceLength, len(hashes)); err != nil {
		return nil, err
	}

	return &Manifest{
		InfoHash:    infoHash,
		Name:        name,
		PieceLength: int(pieceLength),
		Length:      int(length),
		Hashes:      hashes,
		RawInfo:     rawInfo,
	}, nil
}

// extractTrackers collects the "announce" and "announce-list" entries of a
// torrent file's outer dict, in order, de-duplicating repeats.
func extractTrackers(top bencode.Value) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(v bencode.Value) {
		b, ok := v.AsBytes()
		if !ok || seen[string(b)] {
			return
		}
		seen[string(b)] = true
		out = append(out, string(b))
	}

	if v, ok := top.Get("announce"); ok {
		add(v)
	}
	if v, ok := top.Get("announce-list"); ok {
		if tiers, ok := v.AsList(); ok {
			for _, tier := range tiers {
				if urls, ok := tier.AsList(); ok {
					for _, u := range urls {
						add(u)
					}
				}
			}
		}
	}
	return out
}

func checkSizeInvariant(length, pieceLength int64, numHashes int) error {
	if pieceLength <= 0 {
		return bterrors.Wrap(bterrors.ErrMalformedInput, "piece length must be positive")
	}
	want := int(math.Ceil(float64(length) / float64(pieceLength)))
	if want != numHashes {
		return bterrors.Wrapf(bterrors.ErrMalformedInput,
			"ceil(length/piece_length)=%d does not match %d piece hashes", want, numHashes)
	}
	return nil
}

func splitHashes(blob []byte) ([][20]byte, error) {
	if len(blob)%hashSize != 0 {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "pieces blob length %d not a multiple of %d", len(blob), hashSize)
	}
	n := len(blob) / hashSize
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], blob[i*hashSize:(i+1)*hashSize])
	}
	return hashes, nil
}

func getString(dict bencode.Value, key string) (string, error) {
	b, err := getBytes(dict, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func getBytes(dict bencode.Value, key string) ([]byte, error) {
	v, ok := dict.Get(key)
	if !ok {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "missing key %q", key)
	}
	b, ok := v.AsBytes()
	if !ok {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "key %q is not a byte-string", key)
	}
	return b, nil
}

func getInt(dict bencode.Value, key string) (int64, error) {
	v, ok := dict.Get(key)
	if !ok {
		return 0, bterrors.Wrapf(bterrors.ErrMalformedInput, "missing key %q", key)
	}
	n, ok := v.AsInt()
	if !ok {
		return 0, bterrors.Wrapf(bterrors.ErrMalformedInput, "key %q is not an integer", key)
	}
	return n, nil
}

// MagnetInfo is the subset of a magnet link this engine needs to begin the
// metadata-exchange bootstrap.
type MagnetInfo struct {
	Name     string
	InfoHash InfoHash
	Trackers []string
}

// ParseMagnet decodes a "magnet:?..." URI: percent-escaped query parameters,
// xt=urn:btih:<hex> for the info-hash, dn for the display name, and
// repeated tr= entries for tracker URLs, in order.
func ParseMagnet(uri string) (*MagnetInfo, error) {
	const prefix = "magnet:?"
	if !strings.HasPrefix(uri, prefix) {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "not a magnet URI")
	}

	query := uri[len(prefix):]
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "malformed magnet query")
	}

	xts := values["xt"]
	if len(xts) == 0 {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "magnet URI missing xt")
	}
	const urnPrefix = "urn:btih:"
	var hexHash string
	for _, xt := range xts {
		if strings.HasPrefix(xt, urnPrefix) {
			hexHash = xt[len(urnPrefix):]
			break
		}
	}
	if hexHash == "" {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "magnet URI missing urn:btih xt")
	}
	if len(hexHash) != 40 {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "btih hash must be 40 hex chars, got %d", len(hexHash))
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "btih hash is not valid hex")
	}

	var infoHash InfoHash
	copy(infoHash[:], raw)

	name := ""
	if dn := values["dn"]; len(dn) > 0 {
		name = dn[0]
	}

	// url.ParseQuery preserves repeated-key order within the slice.
	trackers := values["tr"]

	return &MagnetInfo{Name: name, InfoHash: infoHash, Trackers: trackers}, nil
}

// BuildMagnet is the inverse of ParseMagnet, used in round-trip tests and to
// hand a freshly-learned tracker list back to a caller as a shareable link.
func BuildMagnet(m *MagnetInfo) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=")
	b.WriteString(url.QueryEscape("urn:btih:" + m.InfoHash.String()))
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// TrackerAddr is a parsed "udp://host:port" tracker URL.
type TrackerAddr struct {
	Host string
	Port string
}

// ParseTrackerURL accepts only udp://host:port[/] tracker URLs; anything
// else is ErrUnsupportedScheme.
func ParseTrackerURL(raw string) (*TrackerAddr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "malformed tracker URL")
	}
	if u.Scheme != "udp" {
		return nil, bterrors.Wrapf(bterrors.ErrUnsupportedScheme, "scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "tracker URL missing host or port")
	}
	return &TrackerAddr{Host: u.Hostname(), Port: u.Port()}, nil
}
