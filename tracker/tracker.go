// Package tracker implements the UDP tracker protocol's connect/announce
// transaction: a two-step exchange that authorizes the client before peers
// are returned. The wire layout is grounded in
// original_source/tracker.py's connect_req/announce_req construct.Struct
// definitions and in other_examples' lvbealr-BitTorrent CreateAnnounceRequest
// (the same big-endian field packing, transliterated into idiomatic Go using
// encoding/binary rather than a C-style struct library). Retries run on
// github.com/cenkalti/backoff with a caller-supplied policy.
package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"goleech/internal/bterrors"
	"goleech/internal/clockutil"
	"goleech/peerid"
)

// protocolID is the fixed magic connection-id used for the initial connect
// request, per the UDP tracker protocol.
const protocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// Event identifies the announce event field.
type Event uint32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// connIDLifetime is how long a connection id remains valid before a fresh
// connect transaction is required, per the UDP tracker protocol.
const connIDLifetime = 60 * time.Second

const maxPacketSize = 2048

// PeerAddr is one peer entry from an announce response.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AnnounceResult is the parsed response to an announce transaction.
type AnnounceResult struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []PeerAddr
}

// AnnounceParams are the caller-supplied fields of an announce request that
// change over a torrent's lifetime.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     peerid.ID
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      Event
	Port       uint16
	NumWant    int32
}

// Client is a UDP tracker connection. It is not safe for concurrent
// Announce calls; callers wanting to announce to several trackers run one
// Client per tracker.
type Client struct {
	conn       net.PacketConn
	raddr      net.Addr
	timeout    time.Duration
	backoff    func() backoff.BackOff
	log        *zap.SugaredLogger
	clock      clock.Clock
	connID     uint64
	connIDAt   time.Time
	haveConnID bool
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithBackOff overrides the retry policy. The default is an exponential
// backoff capped at 30s.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(c *Client) { c.backoff = factory }
}

// WithClock overrides the clock used for connection-id lifetime bookkeeping,
// for deterministic tests.
func WithClock(cl clock.Clock) Option { return func(c *Client) { c.clock = cl } }

// Dial resolves addr (host:port) and opens a UDP socket to it. No packets
// are sent until Connect/Announce are called.
func Dial(addr string, opts ...Option) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		raddr:   raddr,
		timeout: 10 * time.Second,
		backoff: defaultBackOff,
		log:     zap.NewNop().Sugar(),
		clock:   clockutil.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Close releases the underlying UDP socket.
func (c *Client) Close() error { return c.conn.Close() }

// Announce runs connect-if-needed followed by announce, retrying any failure
// (timeouts, transaction mismatches, tracker error replies) with a fresh
// connect per the client's backoff policy until ctx is cancelled or the
// policy gives up.
func (c *Client) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResult, error) {
	var result *AnnounceResult
	op := func() error {
		if !c.haveValidConnID() {
			if err := c.connect(ctx); err != nil {
				return err
			}
		}
		res, err := c.announce(ctx, p)
		if err != nil {
			c.haveConnID = false // force a fresh connect on retry
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) haveValidConnID() bool {
	return c.haveConnID && c.clock.Now().Sub(c.connIDAt) < connIDLifetime
}

func (c *Client) connect(ctx context.Context) error {
	tx := randomUint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], tx)

	resp, err := c.roundTrip(ctx, req, 16)
	if err != nil {
		return err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if action != actionConnect {
		return bterrors.Wrapf(bterrors.ErrProtocolError, "connect: unexpected action %d", action)
	}
	if gotTx != tx {
		return bterrors.Wrap(bterrors.ErrProtocolError, "connect: transaction id mismatch")
	}

	c.connID = binary.BigEndian.Uint64(resp[8:16])
	c.connIDAt = c.clock.Now()
	c.haveConnID = true
	c.log.Debugw("tracker connected", "addr", c.raddr.String(), "connection_id", c.connID)
	return nil
}

func (c *Client) announce(ctx context.Context, p AnnounceParams) (*AnnounceResult, error) {
	tx := randomUint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], c.connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], tx)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], uint32(p.Event))
	binary.BigEndian.PutUint32(req[84:88], 0) // ip_addr: 0 == use the source address
	binary.BigEndian.PutUint32(req[88:92], randomUint32())
	numWant := p.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], p.Port)

	resp, err := c.roundTrip(ctx, req, 20)
	if err != nil {
		return nil, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if gotTx != tx {
		return nil, bterrors.Wrap(bterrors.ErrProtocolError, "announce: transaction id mismatch")
	}
	if action == actionError {
		return nil, bterrors.Wrapf(bterrors.ErrProtocolError, "tracker error: %s", string(resp[8:]))
	}
	if action != actionAnnounce {
		return nil, bterrors.Wrapf(bterrors.ErrProtocolError, "announce: unexpected action %d", action)
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peerBytes := resp[20:]
	if len(peerBytes)%6 != 0 {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "announce peers length %d not a multiple of 6", len(peerBytes))
	}
	peers := make([]PeerAddr, len(peerBytes)/6)
	for i := range peers {
		off := i * 6
		ip := make(net.IP, 4)
		copy(ip, peerBytes[off:off+4])
		peers[i] = PeerAddr{
			IP:   ip,
			Port: binary.BigEndian.Uint16(peerBytes[off+4 : off+6]),
		}
	}

	return &AnnounceResult{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

// roundTrip sends req and reads a response of at least minLen bytes,
// respecting both ctx and the client's configured timeout.
func (c *Client) roundTrip(ctx context.Context, req []byte, minLen int) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.WriteTo(req, c.raddr); err != nil {
		return nil, err
	}

	buf := make([]byte, maxPacketSize)
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		return nil, bterrors.Wrap(bterrors.ErrTimeout, err.Error())
	}
	if n < minLen {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "tracker response length %d, want >= %d", n, minLen)
	}
	return buf[:n], nil
}

func randomUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
