package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeExample(t *testing.T) {
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = 0x01
		peerID[i] = 0x02
	}
	h := New(infoHash, peerID, ExtBitExtensionProtocol)
	buf := h.Serialize()

	require.Len(t, buf, 68)
	assert.Equal(t, byte(0x13), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	assert.Equal(t, infoHash[:], buf[28:48])
	assert.Equal(t, peerID[:], buf[48:68])

	// bit 20: byte offset 20 + (7 - 20/8) = 25, bit value 1<<(20%8) = 0x10.
	assert.Equal(t, byte(0x10), buf[25])
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")
	h := New(infoHash, peerID, ExtBitExtensionProtocol)

	got, err := ReadHandshake(bytes.NewReader(h.Serialize()))
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
	assert.True(t, got.HasExtensionBit(ExtBitExtensionProtocol))
}

func TestVerifyInfoHash(t *testing.T) {
	h := &Handshake{InfoHash: [20]byte{1}}
	assert.NoError(t, VerifyInfoHash(h, [20]byte{1}))
	assert.Error(t, VerifyInfoHash(h, [20]byte{2}))
}

func TestRequestMessageExample(t *testing.T) {
	m := BuildRequest(5, 6, 0x01020304)
	got := m.Serialize()
	want := []byte{0x00, 0x00, 0x00, 0x0D, 0x06, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x06, 0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, want, got)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*Message{
		BuildChoke(),
		BuildUnchoke(),
		BuildInterested(),
		BuildUninterested(),
		BuildHave(42),
		BuildBitfield([]byte{0xFF, 0x00}),
		BuildRequest(1, 2, 3),
		BuildCancel(1, 2, 3),
		BuildPiece(1, 2, []byte("hello")),
		BuildPort(6881),
	}
	for _, m := range cases {
		got, err := ReadMessage(bytes.NewReader(m.Serialize()))
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Payload, got.Payload)
	}
}

func TestReadMessageKeepAlive(t *testing.T) {
	m := (*Message)(nil)
	got, err := ReadMessage(bytes.NewReader(m.Serialize()))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseHaveRejectsWrongType(t *testing.T) {
	_, err := ParseHave(BuildChoke())
	assert.Error(t, err)
}

func TestParsePieceRoundTrip(t *testing.T) {
	m := BuildPiece(3, 16384, []byte("block-data"))
	idx, begin, data, err := ParsePiece(m)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, []byte("block-data"), data)
}

func TestExtHandshakeRoundTrip(t *testing.T) {
	m, err := BuildExtHandshake(map[string]int64{UtMetadataName: 3})
	require.NoError(t, err)
	got, err := ReadMessage(bytes.NewReader(m.Serialize()))
	require.NoError(t, err)

	parsed, err := ParseExtHandshake(got)
	require.NoError(t, err)
	assert.EqualValues(t, 3, parsed[UtMetadataName])
}

func TestMetadataMessageRoundTrip(t *testing.T) {
	data := []byte("metadata-piece-bytes")
	m, err := BuildMetadataData(1, 0, len(data), data)
	require.NoError(t, err)
	got, err := ReadMessage(bytes.NewReader(m.Serialize()))
	require.NoError(t, err)

	msgType, piece, totalSize, tail, err := ParseMetadataMessage(got)
	require.NoError(t, err)
	assert.Equal(t, MetadataMsgData, msgType)
	assert.Equal(t, 0, piece)
	assert.Equal(t, len(data), totalSize)
	assert.Equal(t, data, tail)
}

func TestMetadataRequestHasNoTail(t *testing.T) {
	m, err := BuildMetadataRequest(1, 4)
	require.NoError(t, err)
	got, err := ReadMessage(bytes.NewReader(m.Serialize()))
	require.NoError(t, err)

	msgType, piece, _, tail, err := ParseMetadataMessage(got)
	require.NoError(t, err)
	assert.Equal(t, MetadataMsgRequest, msgType)
	assert.Equal(t, 4, piece)
	assert.Empty(t, tail)
}
