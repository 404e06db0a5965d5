// Package scheduler owns the global RequestTable: the bookkeeping that
// distributes block requests across peers under choke/unchoke constraints
// while never dispatching the same block twice.
//
// Event dispatch is a set of distinct methods — OnUnchoke, OnChoke,
// OnBitfieldChange, OnBlockReceived, OnDisconnect — rather than one
// generic callback, grounded in original_source/protocol.py's Downloader
// and generalized with the sync.Mutex + injected clock.Clock idiom of
// uber-kraken's piecerequest.Manager.
package scheduler

import (
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"goleech/bitfield"
	"goleech/internal/clockutil"
	"goleech/metainfo"
	"goleech/metrics"
	"goleech/peerid"
	"goleech/storage"
)

// DefaultPipelineDepth is the default number of simultaneously in-flight
// block requests per peer.
const DefaultPipelineDepth = 8

// Request identifies one block: a contiguous sub-range of a piece.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Peer is the narrow interface the Scheduler needs from a peer session:
// its advertised bitfield and a way to place a request on the wire. This
// mirrors uber-kraken dispatcher.go's "messages" interface — the Scheduler
// never imports the peer package, avoiding an import cycle and keeping the
// dependency direction one-way (peer session consults Scheduler, not the
// reverse).
type Peer interface {
	ID() peerid.ID
	Bitfield() *bitfield.Bitfield
	SendRequest(index, begin, length int) error
}

// Scheduler is the global, mutex-protected RequestTable plus per-peer
// in-flight bookkeeping.
type Scheduler struct {
	mu sync.Mutex

	manifest *metainfo.Manifest
	storage  *storage.Backing

	blockSize     int
	pipelineDepth int

	order         []Request          // piece-then-offset sweep order, fixed at construction
	blocksOfPiece map[int][]Request  // index -> its blocks, for piece-completion checks
	peerSets      map[Request]map[peerid.ID]struct{}
	inFlight      map[peerid.ID]map[Request]struct{}

	clock   clock.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Scope
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithPipelineDepth(n int) Option { return func(s *Scheduler) { s.pipelineDepth = n } }
func WithBlockSize(n int) Option     { return func(s *Scheduler) { s.blockSize = n } }
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = l }
}
func WithMetrics(m *metrics.Scope) Option { return func(s *Scheduler) { s.metrics = m } }

// New builds a Scheduler, enumerating every missing block across every
// piece the backing doesn't yet have, in piece-then-offset order.
func New(manifest *metainfo.Manifest, backing *storage.Backing, opts ...Option) *Scheduler {
	s := &Scheduler{
		manifest:      manifest,
		storage:       backing,
		blockSize:     BlockSize,
		pipelineDepth: DefaultPipelineDepth,
		blocksOfPiece: make(map[int][]Request),
		peerSets:      make(map[Request]map[peerid.ID]struct{}),
		inFlight:      make(map[peerid.ID]map[Request]struct{}),
		clock:         clockutil.Real(),
		log:           zap.NewNop().Sugar(),
		metrics:       metrics.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	have := backing.Bitfield()
	for index := range manifest.Hashes {
		if have.Get(index) {
			continue
		}
		for _, r := range s.blocksFor(index) {
			s.order = append(s.order, r)
			s.blocksOfPiece[index] = append(s.blocksOfPiece[index], r)
			s.peerSets[r] = make(map[peerid.ID]struct{})
		}
	}
	return s
}

// BlockSize is the standard 16 KiB transfer unit; defined here too (rather
// than only imported from wire) so scheduler has no dependency on wire.
const BlockSize = 16 * 1024

func (s *Scheduler) blocksFor(index int) []Request {
	pieceSize := s.manifest.PieceSize(index)
	var reqs []Request
	for offset := 0; offset < pieceSize; offset += s.blockSize {
		length := s.blockSize
		if pieceSize-offset < length {
			length = pieceSize - offset
		}
		reqs = append(reqs, Request{Index: index, Begin: offset, Length: length})
	}
	return reqs
}

// OnUnchoke refills p's pipeline now that it may be asked for blocks.
func (s *Scheduler) OnUnchoke(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refill(p)
}

// OnChoke abandons every request currently in-flight to p, clearing p from
// each entry's peer-set so another peer may pick it up.
func (s *Scheduler) OnChoke(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandon(p.ID())
}

// OnDisconnect removes p from every RequestTable entry, identical to
// OnChoke: an orphaned in-flight request becomes available again.
func (s *Scheduler) OnDisconnect(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandon(p.ID())
	delete(s.inFlight, p.ID())
}

func (s *Scheduler) abandon(id peerid.ID) {
	for r := range s.inFlight[id] {
		if set, ok := s.peerSets[r]; ok {
			delete(set, id)
		}
	}
	s.inFlight[id] = make(map[Request]struct{})
}

// OnBitfieldChange refills p's pipeline after its advertised bitfield
// changed (bitfield or have message).
func (s *Scheduler) OnBitfieldChange(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refill(p)
}

// refill dispatches requests to p until its in-flight count reaches the
// pipeline depth, p has nothing useful left, or no un-requested block
// remains. Must be called with s.mu held.
func (s *Scheduler) refill(p Peer) error {
	id := p.ID()
	if s.inFlight[id] == nil {
		s.inFlight[id] = make(map[Request]struct{})
	}

	for len(s.inFlight[id]) < s.pipelineDepth {
		useful := p.Bitfield().AndNot(s.storage.Bitfield())
		if !useful.Any() {
			return nil
		}

		req, ok := s.firstAvailable(useful)
		if !ok {
			return nil
		}

		s.peerSets[req][id] = struct{}{}
		s.inFlight[id][req] = struct{}{}

		if err := p.SendRequest(req.Index, req.Begin, req.Length); err != nil {
			delete(s.peerSets[req], id)
			delete(s.inFlight[id], req)
			return err
		}
		s.metrics.RequestsInFlight.Update(float64(s.totalInFlightLocked()))
	}
	return nil
}

// firstAvailable finds the first request (in piece-then-offset order) whose
// piece is useful to this peer and which has never been requested — a
// strict first-available policy, deliberately not rarest-first.
func (s *Scheduler) firstAvailable(useful *bitfield.Bitfield) (Request, bool) {
	for _, r := range s.order {
		set, ok := s.peerSets[r]
		if !ok {
			continue // delivered already, removed from the table
		}
		if !useful.Get(r.Index) {
			continue
		}
		if len(set) == 0 {
			return r, true
		}
	}
	return Request{}, false
}

func (s *Scheduler) totalInFlightLocked() int {
	total := 0
	for _, set := range s.inFlight {
		total += len(set)
	}
	return total
}

// OnBlockReceived records delivery of req from p: it is removed from p's
// in-flight set and from the RequestTable. If that was the piece's last
// outstanding block, the piece is validated; a failed validation re-queues
// every block of that piece with an empty peer-set.
func (s *Scheduler) OnBlockReceived(p Peer, req Request) error {
	s.metrics.BytesDownloaded.Inc(int64(req.Length))

	s.mu.Lock()
	id := p.ID()
	delete(s.inFlight[id], req)

	set, ok := s.peerSets[req]
	if ok && len(set) > 1 {
		s.log.Warnw("request had more than one claimant, expected exactly one", "request", req)
	}
	delete(s.peerSets, req)

	pieceDone := true
	for _, r := range s.blocksOfPiece[req.Index] {
		if _, ok := s.peerSets[r]; ok {
			pieceDone = false
			break
		}
	}
	s.mu.Unlock()

	if !pieceDone {
		return s.refillLocked(p)
	}

	n, err := s.storage.Validate([]int{req.Index})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if n == 1 {
		s.metrics.PiecesValidated.Inc(1)
		s.log.Debugw("piece validated", "index", req.Index)
	} else {
		s.metrics.PiecesFailed.Inc(1)
		s.log.Warnw("piece failed validation, re-queueing", "index", req.Index)
		for _, r := range s.blocksOfPiece[req.Index] {
			s.peerSets[r] = make(map[peerid.ID]struct{})
		}
	}
	s.mu.Unlock()

	return s.refillLocked(p)
}

// refillLocked acquires s.mu and calls refill, for callers (like
// OnBlockReceived) that released the lock around Validate's disk I/O and
// need to reacquire it before dispatching more requests.
func (s *Scheduler) refillLocked(p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refill(p)
}

// Complete reports whether every piece the backing tracks has validated.
func (s *Scheduler) Complete() bool {
	return s.storage.Complete()
}
