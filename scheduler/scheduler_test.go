package scheduler

import (
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goleech/bitfield"
	"goleech/metainfo"
	"goleech/peerid"
	"goleech/storage"
)

// fakePeer is a scheduler.Peer test double recording every SendRequest call.
type fakePeer struct {
	mu       sync.Mutex
	id       peerid.ID
	bf       *bitfield.Bitfield
	sent     []Request
	refuseAt int // if >0, the (refuseAt)'th SendRequest call fails
}

func newFakePeer(id byte, bf *bitfield.Bitfield) *fakePeer {
	var p peerid.ID
	p[0] = id
	return &fakePeer{id: p, bf: bf}
}

func (f *fakePeer) ID() peerid.ID            { return f.id }
func (f *fakePeer) Bitfield() *bitfield.Bitfield { return f.bf }
func (f *fakePeer) SendRequest(index, begin, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, Request{Index: index, Begin: begin, Length: length})
	return nil
}

func (f *fakePeer) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.sent))
	copy(out, f.sent)
	return out
}

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func manifestWithPieces(t *testing.T, pieceLength, total int) *metainfo.Manifest {
	t.Helper()
	numPieces := (total + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	remaining := total
	for i := 0; i < numPieces; i++ {
		size := pieceLength
		if remaining < size {
			size = remaining
		}
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + 1)
		}
		hashes[i] = sha1.Sum(data)
		remaining -= size
	}
	return &metainfo.Manifest{Name: "t", PieceLength: pieceLength, Length: total, Hashes: hashes}
}

func openEmptyBacking(t *testing.T, m *metainfo.Manifest) *storage.Backing {
	t.Helper()
	b, err := storage.Open(t.TempDir(), m, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// TestTwoPeersNoOverlap: two peers both advertise a full 3-piece bitfield,
// self has nothing, piece_length = 32KiB (two blocks per piece),
// pipeline depth 2. After both unchoke, exactly 4 distinct requests should
// be in flight total and no request should be claimed by both peers.
func TestTwoPeersNoOverlap(t *testing.T) {
	const pieceLength = 2 * 16 * 1024
	m := manifestWithPieces(t, pieceLength, pieceLength*3)
	b := openEmptyBacking(t, m)

	s := New(m, b, WithPipelineDepth(2))

	bf := fullBitfield(3)
	p1 := newFakePeer(1, bf)
	p2 := newFakePeer(2, bf)

	require.NoError(t, s.OnUnchoke(p1))
	require.NoError(t, s.OnUnchoke(p2))

	r1 := p1.requests()
	r2 := p2.requests()

	assert.Len(t, r1, 2)
	assert.Len(t, r2, 2)
	assert.Equal(t, 4, len(r1)+len(r2))

	seen := make(map[Request]bool)
	for _, r := range append(append([]Request{}, r1...), r2...) {
		assert.False(t, seen[r], "request %+v claimed twice", r)
		seen[r] = true
	}
}

func TestChokeAbandonsInFlightAndMakesAvailableAgain(t *testing.T) {
	const pieceLength = 16 * 1024
	m := manifestWithPieces(t, pieceLength, pieceLength*2)
	b := openEmptyBacking(t, m)
	s := New(m, b, WithPipelineDepth(4))

	bf := fullBitfield(2)
	p1 := newFakePeer(1, bf)
	require.NoError(t, s.OnUnchoke(p1))
	require.Len(t, p1.requests(), 2)

	s.OnChoke(p1)

	p2 := newFakePeer(2, bf)
	require.NoError(t, s.OnUnchoke(p2))
	assert.Len(t, p2.requests(), 2, "choked peer's requests must become available to another peer")
}

func TestDisconnectAbandonsInFlight(t *testing.T) {
	const pieceLength = 16 * 1024
	m := manifestWithPieces(t, pieceLength, pieceLength*1)
	b := openEmptyBacking(t, m)
	s := New(m, b, WithPipelineDepth(4))

	bf := fullBitfield(1)
	p1 := newFakePeer(1, bf)
	require.NoError(t, s.OnUnchoke(p1))
	require.Len(t, p1.requests(), 1)

	s.OnDisconnect(p1)

	p2 := newFakePeer(2, bf)
	require.NoError(t, s.OnUnchoke(p2))
	assert.Len(t, p2.requests(), 1)
}

func TestDeliveryValidatesPieceAndDoesNotReissue(t *testing.T) {
	const pieceLength = 4
	m := manifestWithPieces(t, pieceLength, pieceLength) // one piece, one block
	b := openEmptyBacking(t, m)
	s := New(m, b, WithPipelineDepth(4))

	bf := fullBitfield(1)
	p1 := newFakePeer(1, bf)
	require.NoError(t, s.OnUnchoke(p1))
	reqs := p1.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	data := make([]byte, pieceLength)
	for i := range data {
		data[i] = byte(1)
	}
	require.NoError(t, b.Write(req.Index, req.Begin, data))

	require.NoError(t, s.OnBlockReceived(p1, req))

	assert.True(t, s.Complete())
	// No further requests should be issued: piece validated, nothing left.
	assert.Len(t, p1.requests(), 1)
}

func TestDeliveryHashMismatchRequeues(t *testing.T) {
	const pieceLength = 4
	m := manifestWithPieces(t, pieceLength, pieceLength)
	b := openEmptyBacking(t, m)
	s := New(m, b, WithPipelineDepth(4))

	bf := fullBitfield(1)
	p1 := newFakePeer(1, bf)
	require.NoError(t, s.OnUnchoke(p1))
	reqs := p1.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	// Write the wrong data so validation fails.
	require.NoError(t, b.Write(req.Index, req.Begin, []byte{9, 9, 9, 9}))
	require.NoError(t, s.OnBlockReceived(p1, req))

	assert.False(t, s.Complete())

	// The block must be available to request again.
	p2 := newFakePeer(2, bf)
	require.NoError(t, s.OnUnchoke(p2))
	assert.Len(t, p2.requests(), 1, "failed validation must re-queue the piece's blocks")
}

func TestRefillStopsWhenNothingUseful(t *testing.T) {
	const pieceLength = 16 * 1024
	m := manifestWithPieces(t, pieceLength, pieceLength*2)
	b := openEmptyBacking(t, m)
	s := New(m, b, WithPipelineDepth(8))

	// Peer only has piece 0.
	bf := bitfield.New(2)
	bf.Set(0)
	p1 := newFakePeer(1, bf)
	require.NoError(t, s.OnUnchoke(p1))
	assert.Len(t, p1.requests(), 1)
}
