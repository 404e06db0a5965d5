package swarm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goleech/internal/config"
	"goleech/metainfo"
	"goleech/peerid"
	"goleech/wire"
)

// fakeInfoDict builds a small, real bencode info dict so its SHA-1 is a
// genuine info-hash, the way a magnet link's xt=urn:btih is derived.
func fakeInfoDict(t *testing.T) []byte {
	t.Helper()
	piece := sha1.Sum([]byte("AAAA"))
	var buf bytes.Buffer
	dict := map[string]interface{}{
		"name":         "sample.bin",
		"piece length": int64(4),
		"length":       int64(4),
		"pieces":       string(piece[:]),
	}
	require.NoError(t, bencode.Marshal(&buf, dict))
	return buf.Bytes()
}

// fakeMetadataPeer simulates one remote peer across the full ut_metadata
// bootstrap sequence: handshake, extension handshake, unchoke, then serving
// ut_metadata requests for raw split into wire.MetadataPieceSize chunks.
func fakeMetadataPeer(t *testing.T, infoHash metainfo.InfoHash, raw []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	const remoteSubID = 7

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hs, err := wire.ReadHandshake(conn)
		if err != nil {
			return
		}
		var ihBytes [20]byte
		copy(ihBytes[:], infoHash[:])
		if hs.InfoHash != ihBytes {
			return
		}
		var remoteID [20]byte
		copy(remoteID[:], "remote-peer-id-00000")
		reply := wire.New(ihBytes, remoteID, wire.ExtBitExtensionProtocol)
		if _, err := conn.Write(reply.Serialize()); err != nil {
			return
		}

		m, err := wire.ReadMessage(conn)
		if err != nil || m == nil {
			return
		}
		if _, err := wire.ParseExtHandshake(m); err != nil {
			return
		}
		ourHandshake, err := wire.BuildExtHandshake(map[string]int64{wire.UtMetadataName: remoteSubID})
		if err != nil {
			return
		}
		if _, err := conn.Write(ourHandshake.Serialize()); err != nil {
			return
		}

		unchoke := wire.BuildUnchoke()
		if _, err := conn.Write(unchoke.Serialize()); err != nil {
			return
		}

		for {
			req, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if req == nil {
				continue
			}
			msgType, piece, _, _, err := wire.ParseMetadataMessage(req)
			if err != nil || msgType != wire.MetadataMsgRequest {
				continue
			}
			start := piece * wire.MetadataPieceSize
			if start >= len(raw) {
				reject, err := wire.BuildMetadataReject(remoteSubID, piece)
				if err != nil {
					return
				}
				conn.Write(reject.Serialize())
				continue
			}
			end := start + wire.MetadataPieceSize
			if end > len(raw) {
				end = len(raw)
			}
			data, err := wire.BuildMetadataData(remoteSubID, piece, len(raw), raw[start:end])
			if err != nil {
				return
			}
			if _, err := conn.Write(data.Serialize()); err != nil {
				return
			}
		}
	}()

	return ln
}

func TestFetchMetadataFromPeerAssemblesAndValidates(t *testing.T) {
	raw := fakeInfoDict(t)
	infoHash := metainfo.InfoHash(sha1.Sum(raw))
	ln := fakeMetadataPeer(t, infoHash, raw)

	cfg := config.Default()
	cfg.PeerTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	manifest, err := fetchMetadataFromPeer(ctx, ln.Addr().String(), infoHash, peerid.Generate(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, infoHash, manifest.InfoHash)
	assert.Equal(t, "sample.bin", manifest.Name)
	assert.Equal(t, 4, manifest.Length)
}

func TestFetchMetadataFromPeerRejectsWrongInfoHash(t *testing.T) {
	raw := fakeInfoDict(t)
	realHash := metainfo.InfoHash(sha1.Sum(raw))
	ln := fakeMetadataPeer(t, realHash, raw)

	var wrongHash metainfo.InfoHash
	wrongHash[0] = 0xFF

	cfg := config.Default()
	cfg.PeerTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fetchMetadataFromPeer(ctx, ln.Addr().String(), wrongHash, peerid.Generate(), cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestMetadataCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := fakeInfoDict(t)
	infoHash := metainfo.InfoHash(sha1.Sum(raw))

	_, ok := LoadMetadataCache(dir, infoHash)
	assert.False(t, ok)

	require.NoError(t, SaveMetadataCache(dir, infoHash, raw))

	got, ok := LoadMetadataCache(dir, infoHash)
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestMetadataCacheRejectsCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	raw := fakeInfoDict(t)
	infoHash := metainfo.InfoHash(sha1.Sum(raw))
	require.NoError(t, SaveMetadataCache(dir, infoHash, append(raw, 0xFF)))

	_, ok := LoadMetadataCache(dir, infoHash)
	assert.False(t, ok)
}
