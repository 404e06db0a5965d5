package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goleech/bencode"
)

func buildTorrentBytes(t *testing.T, name string, pieceLength, length int, hashes [][20]byte) []byte {
	t.Helper()
	var piecesBlob []byte
	for _, h := range hashes {
		piecesBlob = append(piecesBlob, h[:]...)
	}
	info := bencode.Dict(
		bencode.DictEntry{Key: []byte("length"), Val: bencode.Int(int64(length))},
		bencode.DictEntry{Key: []byte("name"), Val: bencode.Bytes([]byte(name))},
		bencode.DictEntry{Key: []byte("piece length"), Val: bencode.Int(int64(pieceLength))},
		bencode.DictEntry{Key: []byte("pieces"), Val: bencode.Bytes(piecesBlob)},
	)
	top := bencode.Dict(
		bencode.DictEntry{Key: []byte("announce"), Val: bencode.Bytes([]byte("udp://tracker.example:80"))},
		bencode.DictEntry{Key: []byte("info"), Val: info},
	)
	return bencode.Encode(top)
}

func TestParseTorrentHappyPath(t *testing.T) {
	h0 := sha1.Sum([]byte("aaaa"))
	h1 := sha1.Sum([]byte("bbbb"))
	h2 := sha1.Sum([]byte("cc"))
	data := buildTorrentBytes(t, "file.bin", 4, 10, [][20]byte{h0, h1, h2})

	m, err := ParseTorrent(data)
	require.NoError(t, err)
	assert.Equal(t, "file.bin", m.Name)
	assert.Equal(t, 4, m.PieceLength)
	assert.Equal(t, 10, m.Length)
	assert.Len(t, m.Hashes, 3)
	assert.Equal(t, 4, m.PieceSize(0))
	assert.Equal(t, 4, m.PieceSize(1))
	assert.Equal(t, 2, m.PieceSize(2))
}

func TestParseTorrentInfoHashIgnoresKeyOrderOfOuterDict(t *testing.T) {
	// The info-hash must only depend on the bytes of the "info" sub-dict,
	// regardless of where "info" sits among the outer dict's keys.
	info := bencode.Dict(
		bencode.DictEntry{Key: []byte("length"), Val: bencode.Int(4)},
		bencode.DictEntry{Key: []byte("name"), Val: bencode.Bytes([]byte("x"))},
		bencode.DictEntry{Key: []byte("piece length"), Val: bencode.Int(4)},
		bencode.DictEntry{Key: []byte("pieces"), Val: bencode.Bytes(make([]byte, 20))},
	)
	expectedHash := sha1.Sum(bencode.Encode(info))

	top := bencode.Dict(
		bencode.DictEntry{Key: []byte("info"), Val: info},
		bencode.DictEntry{Key: []byte("announce"), Val: bencode.Bytes([]byte("udp://t:1"))},
	)
	m, err := ParseTorrent(bencode.Encode(top))
	require.NoError(t, err)
	assert.Equal(t, expectedHash, [20]byte(m.InfoHash))
}

func TestParseTorrentRejectsSizeInvariantViolation(t *testing.T) {
	h0 := sha1.Sum([]byte("aaaa"))
	// length=10 with piece_length=4 needs ceil(10/4)=3 hashes, give only 1.
	data := buildTorrentBytes(t, "file.bin", 4, 10, [][20]byte{h0})
	_, err := ParseTorrent(data)
	assert.Error(t, err)
}

func TestParseTorrentRejectsBadPiecesLength(t *testing.T) {
	info := bencode.Dict(
		bencode.DictEntry{Key: []byte("length"), Val: bencode.Int(4)},
		bencode.DictEntry{Key: []byte("name"), Val: bencode.Bytes([]byte("x"))},
		bencode.DictEntry{Key: []byte("piece length"), Val: bencode.Int(4)},
		bencode.DictEntry{Key: []byte("pieces"), Val: bencode.Bytes(make([]byte, 19))},
	)
	top := bencode.Dict(bencode.DictEntry{Key: []byte("info"), Val: info})
	_, err := ParseTorrent(bencode.Encode(top))
	assert.Error(t, err)
}

func TestParseMagnet(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=My+File&tr=udp%3A%2F%2Ftracker1.example%3A80&tr=udp%3A%2F%2Ftracker2.example%3A80"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	assert.Equal(t, "My File", m.Name)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", m.InfoHash.String())
	assert.Equal(t, []string{"udp://tracker1.example:80", "udp://tracker2.example:80"}, m.Trackers)
}

func TestParseMagnetRejectsNonMagnet(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	assert.Error(t, err)
}

func TestMagnetRoundTrip(t *testing.T) {
	var ih InfoHash
	for i := range ih {
		ih[i] = byte(i)
	}
	original := &MagnetInfo{
		Name:     "thing",
		InfoHash: ih,
		Trackers: []string{"udp://a:1", "udp://b:2"},
	}
	got, err := ParseMagnet(BuildMagnet(original))
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestParseTrackerURL(t *testing.T) {
	addr, err := ParseTrackerURL("udp://tracker.example:6969/")
	require.NoError(t, err)
	assert.Equal(t, "tracker.example", addr.Host)
	assert.Equal(t, "6969", addr.Port)

	_, err = ParseTrackerURL("http://tracker.example:80/announce")
	assert.Error(t, err)
}
