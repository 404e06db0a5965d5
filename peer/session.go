// Package peer implements one peer-wire session: the connection, the
// handshake, and the message dispatch loop that drives a Scheduler and a
// storage.Backing, covering the full peer-wire message set and
// torrent/metadata dual-mode operation, with choke/unchoke and
// have/bitfield updates routed through scheduler.Scheduler's distinct
// methods.
package peer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"goleech/bitfield"
	"goleech/internal/bterrors"
	"goleech/internal/clockutil"
	"goleech/metainfo"
	"goleech/peerid"
	"goleech/scheduler"
	"goleech/storage"
	"goleech/wire"
)

// DialTimeout bounds the TCP connect + handshake exchange.
const DialTimeout = 5 * time.Second

// MessageTimeout bounds how long a session waits for the next message
// before treating the peer as stalled.
const MessageTimeout = 2 * time.Minute

// MetadataHandler receives ut_metadata request/data/reject messages from a
// peer that has negotiated the ut_metadata extension. Used by the swarm
// package's magnet-link bootstrap; torrent-mode sessions leave it nil.
type MetadataHandler func(msgType, piece, totalSize int, data []byte)

// signal is a broadcast-once channel: Fire is idempotent, Done never blocks
// after the first Fire. Used to let callers await the first unchoke or
// extension handshake without polling session state.
type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) Fire()                 { s.once.Do(func() { close(s.ch) }) }
func (s *signal) Done() <-chan struct{} { return s.ch }

// Session is one established, handshaken connection to a remote peer.
type Session struct {
	conn     net.Conn
	selfID   peerid.ID
	remoteID peerid.ID
	infoHash metainfo.InfoHash

	extSupported   bool
	peerExtensions map[string]int64 // negotiated name -> remote sub-id

	mu             sync.Mutex
	numPieces      int
	remoteBitfield *bitfield.Bitfield
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	sched   *scheduler.Scheduler
	storage *storage.Backing
	onMeta  MetadataHandler

	unchokeSignal *signal
	extSignal     *signal

	clock clock.Clock
	log   *zap.SugaredLogger
}

// Option configures a Session at Dial time.
type Option func(*Session)

func WithClock(c clock.Clock) Option               { return func(s *Session) { s.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option       { return func(s *Session) { s.log = l } }
func WithMetadataHandler(h MetadataHandler) Option { return func(s *Session) { s.onMeta = h } }

// Dial connects to addr and performs the peer-wire handshake, advertising
// BEP-10 extension-protocol support. It returns before any bitfield or
// extension handshake is exchanged; call Attach (torrent mode) and/or
// SendExtHandshake (magnet mode) before Run.
func Dial(addr string, infoHash metainfo.InfoHash, selfID peerid.ID, opts ...Option) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}
	s := newSession(conn, selfID, infoHash, opts...)
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Accept wraps an already-connected inbound conn, performing the responder
// side of the handshake. Not used by the leeching-only swarm today but kept
// symmetric with Dial since the wire codec is direction-agnostic.
func Accept(conn net.Conn, infoHash metainfo.InfoHash, selfID peerid.ID, opts ...Option) (*Session, error) {
	s := newSession(conn, selfID, infoHash, opts...)
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newSession(conn net.Conn, selfID peerid.ID, infoHash metainfo.InfoHash, opts ...Option) *Session {
	s := &Session{
		conn:          conn,
		selfID:        selfID,
		infoHash:      infoHash,
		amChoking:     true,
		peerChoking:   true,
		unchokeSignal: newSignal(),
		extSignal:     newSignal(),
		clock:         clockutil.Real(),
		log:           zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) handshake() error {
	s.conn.SetDeadline(s.clock.Now().Add(DialTimeout))
	defer s.conn.SetDeadline(time.Time{})

	var infoHashBytes [20]byte
	copy(infoHashBytes[:], s.infoHash[:])

	req := wire.New(infoHashBytes, [20]byte(s.selfID), wire.ExtBitExtensionProtocol)
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return err
	}

	resp, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return err
	}
	if err := wire.VerifyInfoHash(resp, infoHashBytes); err != nil {
		return err
	}

	s.remoteID = peerid.ID(resp.PeerID)
	s.extSupported = resp.HasExtensionBit(wire.ExtBitExtensionProtocol)
	return nil
}

// ExtensionSupported reports whether the remote peer advertised BEP-10
// extension-protocol support in its handshake.
func (s *Session) ExtensionSupported() bool { return s.extSupported }

// WaitUnchoke returns a channel closed the first time this peer unchokes us.
func (s *Session) WaitUnchoke() <-chan struct{} { return s.unchokeSignal.Done() }

// WaitExtHandshake returns a channel closed once the peer's extension
// handshake (sub-id 0) has been received and its negotiated sub-ids recorded.
func (s *Session) WaitExtHandshake() <-chan struct{} { return s.extSignal.Done() }

// Attach enters torrent mode: numPieces fixes the bitfield length, and sched
// and backing wire this session into the shared scheduler and storage.
func (s *Session) Attach(numPieces int, sched *scheduler.Scheduler, backing *storage.Backing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numPieces = numPieces
	s.remoteBitfield = bitfield.New(numPieces)
	s.sched = sched
	s.storage = backing
}

// ID satisfies scheduler.Peer.
func (s *Session) ID() peerid.ID { return s.remoteID }

// Bitfield satisfies scheduler.Peer, returning a snapshot of what the
// remote peer has advertised so far.
func (s *Session) Bitfield() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteBitfield == nil {
		return bitfield.New(0)
	}
	return s.remoteBitfield.Clone()
}

// SendRequest satisfies scheduler.Peer.
func (s *Session) SendRequest(index, begin, length int) error {
	return s.send(wire.BuildRequest(index, begin, length))
}

func (s *Session) send(m *wire.Message) error {
	_, err := s.conn.Write(m.Serialize())
	return err
}

func (s *Session) SendChoke() error        { s.amChoking = true; return s.send(wire.BuildChoke()) }
func (s *Session) SendUnchoke() error      { s.amChoking = false; return s.send(wire.BuildUnchoke()) }
func (s *Session) SendInterested() error {
	s.amInterested = true
	return s.send(wire.BuildInterested())
}
func (s *Session) SendUninterested() error {
	s.amInterested = false
	return s.send(wire.BuildUninterested())
}
// updateInterest recomputes needed = remote bitfield AND NOT our own, and
// toggles interested/uninterested on a state transition. No-op in metadata
// mode (s.storage == nil), where there is no piece bitfield to be interested
// in.
func (s *Session) updateInterest() error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	remote := s.remoteBitfield
	interested := s.amInterested
	s.mu.Unlock()
	if remote == nil {
		return nil
	}
	needed := remote.AndNot(s.storage.Bitfield())
	switch {
	case needed.Any() && !interested:
		return s.SendInterested()
	case !needed.Any() && interested:
		return s.SendUninterested()
	}
	return nil
}

func (s *Session) SendHave(index int) error { return s.send(wire.BuildHave(index)) }
func (s *Session) SendBitfield(bits []byte) error {
	return s.send(wire.BuildBitfield(bits))
}

// SendExtHandshake advertises this client's extension-name -> sub-id
// mapping (e.g. {"ut_metadata": 1}) over the extended protocol.
func (s *Session) SendExtHandshake(m map[string]int64) error {
	msg, err := wire.BuildExtHandshake(m)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// RemoteExtensionSubID returns the sub-id the remote peer assigned to name,
// as negotiated by its extension handshake, or false if not (yet) known.
func (s *Session) RemoteExtensionSubID(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.peerExtensions[name]
	return id, ok
}

// SendMetadataRequest sends a ut_metadata request for piece to the remote
// peer's negotiated ut_metadata sub-id.
func (s *Session) SendMetadataRequest(piece int) error {
	subID, ok := s.RemoteExtensionSubID(wire.UtMetadataName)
	if !ok {
		return bterrors.Wrap(bterrors.ErrProtocolError, "peer has not negotiated ut_metadata")
	}
	msg, err := wire.BuildMetadataRequest(uint8(subID), piece)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// SendMetadataData replies to a ut_metadata request with piece's raw bytes.
func (s *Session) SendMetadataData(piece, totalSize int, data []byte) error {
	subID, ok := s.RemoteExtensionSubID(wire.UtMetadataName)
	if !ok {
		return bterrors.Wrap(bterrors.ErrProtocolError, "peer has not negotiated ut_metadata")
	}
	msg, err := wire.BuildMetadataData(uint8(subID), piece, totalSize, data)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// SendMetadataReject rejects a ut_metadata request for piece.
func (s *Session) SendMetadataReject(piece int) error {
	subID, ok := s.RemoteExtensionSubID(wire.UtMetadataName)
	if !ok {
		return bterrors.Wrap(bterrors.ErrProtocolError, "peer has not negotiated ut_metadata")
	}
	msg, err := wire.BuildMetadataReject(uint8(subID), piece)
	if err != nil {
		return err
	}
	return s.send(msg)
}

// Close tears down the underlying connection, abandoning any in-flight
// scheduler requests.
func (s *Session) Close() error {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.OnDisconnect(s)
	}
	return s.conn.Close()
}

// Run drives the session's read loop until ctx is cancelled, the peer
// disconnects, or a protocol violation occurs. It dispatches each message to
// the scheduler (torrent mode) and/or the metadata handler (magnet mode).
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		s.conn.SetReadDeadline(s.clock.Now().Add(MessageTimeout))
		m, err := wire.ReadMessage(s.conn)
		if err != nil {
			return err
		}
		if m == nil {
			continue // keep-alive
		}
		if err := s.dispatch(m); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(m *wire.Message) error {
	switch m.ID {
	case wire.MsgChoke:
		s.peerChoking = true
		if s.sched != nil {
			s.sched.OnChoke(s)
		}
	case wire.MsgUnchoke:
		s.peerChoking = false
		s.unchokeSignal.Fire()
		if s.sched != nil {
			return s.sched.OnUnchoke(s)
		}
	case wire.MsgInterested:
		s.peerInterested = true
	case wire.MsgUninterested:
		s.peerInterested = false
	case wire.MsgHave:
		index, err := wire.ParseHave(m)
		if err != nil {
			return err
		}
		s.mu.Lock()
		n := s.numPieces
		s.mu.Unlock()
		if index < 0 || index >= n {
			return bterrors.Wrapf(bterrors.ErrProtocolError, "have index %d out of range for %d pieces", index, n)
		}
		s.mu.Lock()
		if s.remoteBitfield != nil {
			s.remoteBitfield.Set(index)
		}
		s.mu.Unlock()
		if err := s.updateInterest(); err != nil {
			return err
		}
		if s.sched != nil {
			return s.sched.OnBitfieldChange(s)
		}
	case wire.MsgBitfield:
		s.mu.Lock()
		n := s.numPieces
		s.mu.Unlock()
		bf, err := bitfield.FromBytes(n, m.Payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.remoteBitfield = bf
		s.mu.Unlock()
		if err := s.updateInterest(); err != nil {
			return err
		}
		if s.sched != nil {
			return s.sched.OnBitfieldChange(s)
		}
	case wire.MsgRequest:
		s.log.Debugw("ignoring incoming request, this client does not serve uploads", "peer", s.remoteID.String())
	case wire.MsgCancel:
		// No outbound queue to cancel against; nothing to do.
	case wire.MsgPiece:
		index, begin, data, err := wire.ParsePiece(m)
		if err != nil {
			return err
		}
		if s.storage == nil || s.sched == nil {
			return bterrors.Wrap(bterrors.ErrProtocolError, "received piece data before torrent mode was attached")
		}
		if err := s.storage.Write(index, begin, data); err != nil {
			return err
		}
		req := scheduler.Request{Index: index, Begin: begin, Length: len(data)}
		return s.sched.OnBlockReceived(s, req)
	case wire.MsgPort:
		// DHT is out of scope; accept and ignore.
	case wire.MsgExtended:
		return s.dispatchExtended(m)
	default:
		s.log.Debugw("ignoring unknown message id", "id", m.ID)
	}
	return nil
}

func (s *Session) dispatchExtended(m *wire.Message) error {
	if len(m.Payload) == 0 {
		return bterrors.Wrap(bterrors.ErrMalformedInput, "empty extended payload")
	}
	if m.Payload[0] == wire.ExtHandshakeSubID {
		negotiated, err := wire.ParseExtHandshake(m)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.peerExtensions = negotiated
		s.mu.Unlock()
		s.extSignal.Fire()
		return nil
	}
	if s.onMeta == nil {
		s.log.Debugw("ignoring extended message, no metadata handler attached")
		return nil
	}
	msgType, piece, totalSize, data, err := wire.ParseMetadataMessage(m)
	if err != nil {
		return err
	}
	s.onMeta(msgType, piece, totalSize, data)
	return nil
}
