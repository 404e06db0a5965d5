// Package swarm implements the supervisor: it owns the two modes that
// share a peer-session fan-out (metadata-bootstrap for magnet links, and
// the ordinary torrent download), both built on golang.org/x/sync/errgroup
// for cancel-on-first-success semantics the way uber-kraken's go.mod pulls
// in errgroup for its own scheduler fan-out. Reconnect backoff runs a
// doubling-delay loop on github.com/cenkalti/backoff.
package swarm

import (
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goleech/internal/bterrors"
	"goleech/internal/config"
	"goleech/metainfo"
	"goleech/metrics"
	"goleech/peer"
	"goleech/peerid"
	"goleech/scheduler"
	"goleech/storage"
	"goleech/tracker"
	"goleech/wire"
)

// Option configures a Supervisor or a metadata bootstrap run.
type Option func(*options)

type options struct {
	log     *zap.SugaredLogger
	metrics *metrics.Scope
}

func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }
func WithMetrics(m *metrics.Scope) Option     { return func(o *options) { o.metrics = m } }

func newOptions(opts []Option) *options {
	o := &options{log: zap.NewNop().Sugar(), metrics: metrics.Noop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Supervisor drives torrent-mode download: one session per announced peer,
// all consulting a shared Scheduler and storage.Backing, until every piece
// validates or the context is cancelled.
type Supervisor struct {
	cfg      config.Config
	selfID   peerid.ID
	manifest *metainfo.Manifest
	backing  *storage.Backing
	sched    *scheduler.Scheduler
	opts     *options

	mu       sync.Mutex
	sessions map[peerid.ID]*peer.Session
}

// NewSupervisor opens (or resumes) storage for manifest under dataDir and
// builds the scheduler that will drive its download.
func NewSupervisor(manifest *metainfo.Manifest, dataDir string, cfg config.Config, selfID peerid.ID, opts ...Option) (*Supervisor, error) {
	o := newOptions(opts)
	backing, err := storage.Open(dataDir, manifest, o.log)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(manifest, backing,
		scheduler.WithPipelineDepth(cfg.PipelineDepth),
		scheduler.WithBlockSize(cfg.BlockSize),
		scheduler.WithLogger(o.log),
		scheduler.WithMetrics(o.metrics),
	)
	return &Supervisor{
		cfg:      cfg,
		selfID:   selfID,
		manifest: manifest,
		backing:  backing,
		sched:    sched,
		opts:     o,
		sessions: make(map[peerid.ID]*peer.Session),
	}, nil
}

// Storage exposes the backing file, e.g. once Run reports completion.
func (sv *Supervisor) Storage() *storage.Backing { return sv.backing }

// Complete reports whether every piece has validated.
func (sv *Supervisor) Complete() bool { return sv.sched.Complete() }

// Run announces to manifest's trackers, connects to the returned peers, and
// drives their sessions until the download completes or ctx is cancelled.
// Each tracker is re-announced after every round on the interval it returns
// (30s if it returns none) until the download completes.
func (sv *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	for _, trackerURL := range sv.manifest.Trackers {
		addr, err := metainfo.ParseTrackerURL(trackerURL)
		if err != nil {
			sv.opts.log.Debugw("skipping tracker", "url", trackerURL, "err", err)
			continue
		}
		trackerAddr := addr
		group.Go(func() error {
			return sv.runTracker(groupCtx, trackerAddr)
		})
	}

	// A background watcher cancels the group once every piece validates.
	group.Go(func() error {
		return sv.watchCompletion(groupCtx, cancel)
	})
	group.Go(func() error {
		return sv.logProgress(groupCtx)
	})

	err := group.Wait()
	if sv.sched.Complete() {
		return nil
	}
	return err
}

func (sv *Supervisor) watchCompletion(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sv.sched.Complete() {
				cancel()
				return nil
			}
		}
	}
}

// downloadedBytes sums the exact size of every piece currently validated.
func (sv *Supervisor) downloadedBytes() int64 {
	var total int64
	sv.backing.Bitfield().Each(func(i int) {
		total += int64(sv.manifest.PieceSize(i))
	})
	return total
}

// logProgress periodically reports human-readable download progress, using
// docker/go-units instead of a hand-rolled byte formatter.
func (sv *Supervisor) logProgress(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			have := sv.downloadedBytes()
			sv.opts.log.Infow("download progress",
				"downloaded", units.BytesSize(float64(have)),
				"total", units.BytesSize(float64(sv.manifest.Length)),
				"peers", sv.peerCount(),
			)
		}
	}
}

func (sv *Supervisor) peerCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

// runTracker repeatedly announces to one tracker, dialing every newly
// reported peer, until the download completes or ctx is cancelled.
func (sv *Supervisor) runTracker(ctx context.Context, addr *metainfo.TrackerAddr) error {
	client, err := tracker.Dial(addr.Host+":"+addr.Port,
		tracker.WithTimeout(sv.cfg.TrackerTimeout),
		tracker.WithLogger(sv.opts.log),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	var infoHashBytes [20]byte
	copy(infoHashBytes[:], sv.manifest.InfoHash[:])

	dialed := make(map[string]bool)
	var dialedMu sync.Mutex

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := client.Announce(ctx, tracker.AnnounceParams{
			InfoHash: infoHashBytes,
			PeerID:   sv.selfID,
			Left:     int64(sv.manifest.Length),
			Port:     sv.cfg.ListenPort,
			Event:    tracker.EventStarted,
		})
		if err != nil {
			return err
		}

		for _, p := range res.Peers {
			addrStr := p.String()
			dialedMu.Lock()
			already := dialed[addrStr]
			dialed[addrStr] = true
			dialedMu.Unlock()
			if already {
				continue
			}
			go sv.connectAndRun(ctx, addrStr)
		}

		if sv.sched.Complete() {
			return nil
		}

		wait := res.Interval
		if wait <= 0 {
			wait = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndRun dials one peer, attaches it to the scheduler, and drives its
// session until it disconnects or ctx is cancelled. A session that ends in
// ErrConnectionClosed or ErrTimeout is retried with doubling backoff, so a
// dropped connection gets another attempt. A handshake-level
// ErrProtocolError or info-hash mismatch means this peer is not worth
// retrying.
func (sv *Supervisor) connectAndRun(ctx context.Context, addr string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry dialing this peer until the swarm is cancelled

	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := sv.runOnce(ctx, addr)
		if err == nil {
			return nil
		}
		if isTransientPeerError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))

	if err != nil && ctx.Err() == nil {
		sv.opts.log.Debugw("giving up on peer", "addr", addr, "err", err)
	}
}

// isTransientPeerError reports whether a session's failure is a dropped
// connection or a stalled read, worth reconnecting for, as opposed to a
// handshake-level protocol violation or hash mismatch that marks the peer
// as not worth retrying.
func isTransientPeerError(err error) bool {
	if bterrors.Is(err, bterrors.ErrConnectionClosed) || bterrors.Is(err, bterrors.ErrTimeout) {
		return true
	}
	if err == io.EOF {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func (sv *Supervisor) runOnce(ctx context.Context, addr string) error {
	sess, err := peer.Dial(addr, sv.manifest.InfoHash, sv.selfID, peer.WithLogger(sv.opts.log))
	if err != nil {
		return err
	}
	sv.opts.metrics.PeersConnected.Inc(1)
	defer func() {
		sess.Close()
		sv.opts.metrics.PeersDisconnected.Inc(1)
	}()

	sv.mu.Lock()
	sv.sessions[sess.ID()] = sess
	sv.mu.Unlock()
	defer func() {
		sv.mu.Lock()
		delete(sv.sessions, sess.ID())
		sv.mu.Unlock()
	}()

	sess.Attach(len(sv.manifest.Hashes), sv.sched, sv.backing)

	if err := sess.SendBitfield(sv.backing.Bitfield().Bytes()); err != nil {
		return err
	}
	// Interested/uninterested is driven dynamically by Session.dispatch as
	// the peer's bitfield/have messages arrive, not sent unconditionally here.
	if err := sess.SendUnchoke(); err != nil {
		return err
	}

	return sess.Run(ctx)
}

// BootstrapMetadata implements magnet-link metadata bootstrap: it announces
// to the magnet's trackers, spawns one ut_metadata session per returned
// peer, and returns the first assembled, hash-verified Manifest. The first
// session to complete cancels the rest.
func BootstrapMetadata(ctx context.Context, magnet *metainfo.MagnetInfo, selfID peerid.ID, cfg config.Config, opts ...Option) (*metainfo.Manifest, error) {
	o := newOptions(opts)

	var infoHashBytes [20]byte
	copy(infoHashBytes[:], magnet.InfoHash[:])

	group, groupCtx := errgroup.WithContext(ctx)
	var result *metainfo.Manifest
	var resultMu sync.Mutex

	for _, trackerURL := range magnet.Trackers {
		addr, err := metainfo.ParseTrackerURL(trackerURL)
		if err != nil {
			continue
		}
		trackerAddr := addr
		group.Go(func() error {
			client, err := tracker.Dial(trackerAddr.Host+":"+trackerAddr.Port,
				tracker.WithTimeout(cfg.TrackerTimeout), tracker.WithLogger(o.log))
			if err != nil {
				return nil // one bad tracker must not abort the others
			}
			defer client.Close()

			res, err := client.Announce(groupCtx, tracker.AnnounceParams{
				InfoHash: infoHashBytes,
				PeerID:   selfID,
				Left:     1,
				Port:     cfg.ListenPort,
				Event:    tracker.EventStarted,
			})
			if err != nil {
				return nil
			}

			for _, p := range res.Peers {
				addrStr := p.String()
				group.Go(func() error {
					manifest, err := fetchMetadataFromPeer(groupCtx, addrStr, magnet.InfoHash, selfID, cfg, o.log)
					if err != nil {
						return nil // one peer's failure must not abort the bootstrap
					}
					resultMu.Lock()
					if result == nil {
						result = manifest
					}
					resultMu.Unlock()
					return errDone
				})
			}
			return nil
		})
	}

	err := group.Wait()
	if err != nil && err != errDone {
		return nil, err
	}

	resultMu.Lock()
	defer resultMu.Unlock()
	if result == nil {
		return nil, bterrors.Wrap(bterrors.ErrProtocolError, "no peer supplied the torrent's metadata")
	}
	result.Trackers = magnet.Trackers
	return result, nil
}

// errDone is a sentinel a metadata-fetch goroutine returns to cancel its
// errgroup's sibling goroutines once the first manifest has been assembled;
// it is not surfaced to BootstrapMetadata's caller.
var errDone = bterrors.Wrap(bterrors.ErrProtocolError, "metadata bootstrap satisfied by another peer")

// fetchMetadataFromPeer drives the ut_metadata request/response sequence
// against one peer: extension handshake, wait for unchoke, then request
// pieces sequentially from 0 until the declared total size is reached,
// verifying the assembled bytes hash to infoHash.
func fetchMetadataFromPeer(ctx context.Context, addr string, infoHash metainfo.InfoHash, selfID peerid.ID, cfg config.Config, log *zap.SugaredLogger) (*metainfo.Manifest, error) {
	type piece struct {
		msgType, index, totalSize int
		data                      []byte
	}
	pieceCh := make(chan piece, 8)

	sess, err := peer.Dial(addr, infoHash, selfID,
		peer.WithLogger(log),
		peer.WithMetadataHandler(func(msgType, index, totalSize int, data []byte) {
			select {
			case pieceCh <- piece{msgType, index, totalSize, data}:
			case <-ctx.Done():
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if !sess.ExtensionSupported() {
		return nil, bterrors.Wrap(bterrors.ErrProtocolError, "peer does not support the extension protocol")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(runCtx) }()

	if err := sess.SendExtHandshake(map[string]int64{wire.UtMetadataName: 1}); err != nil {
		return nil, err
	}

	if err := waitFor(ctx, sess.WaitExtHandshake(), runErr, cfg.PeerTimeout); err != nil {
		return nil, err
	}
	if _, ok := sess.RemoteExtensionSubID(wire.UtMetadataName); !ok {
		return nil, bterrors.Wrap(bterrors.ErrProtocolError, "peer did not negotiate ut_metadata")
	}

	// This session never attaches storage, so Session.updateInterest's
	// needed-bits recompute never fires; sending interested here is plain
	// metadata-mode flow control, not the piece-interest state machine.
	if err := sess.SendInterested(); err != nil {
		return nil, err
	}
	if err := sess.SendUnchoke(); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, sess.WaitUnchoke(), runErr, cfg.PeerTimeout); err != nil {
		return nil, err
	}

	var assembled []byte
	total := -1
	next := 0
	for {
		if err := sess.SendMetadataRequest(next); err != nil {
			return nil, err
		}
		select {
		case p := <-pieceCh:
			if p.msgType == wire.MetadataMsgReject {
				return nil, bterrors.Wrap(bterrors.ErrProtocolError, "peer rejected metadata request")
			}
			if p.index != next {
				continue // stale/duplicate reply, keep waiting for the one we asked for
			}
			if total < 0 {
				total = p.totalSize
			}
			assembled = append(assembled, p.data...)
			next++
			if total >= 0 && len(assembled) >= total {
				return finishMetadata(assembled[:total], infoHash)
			}
		case err := <-runErr:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.PeerTimeout):
			return nil, bterrors.Wrap(bterrors.ErrTimeout, "metadata request timed out")
		}
	}
}

func waitFor(ctx context.Context, ready <-chan struct{}, runErr <-chan error, timeout time.Duration) error {
	select {
	case <-ready:
		return nil
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return bterrors.Wrap(bterrors.ErrTimeout, "timed out waiting for peer")
	}
}

func finishMetadata(raw []byte, infoHash metainfo.InfoHash) (*metainfo.Manifest, error) {
	sum := sha1.Sum(raw)
	if metainfo.InfoHash(sum) != infoHash {
		return nil, bterrors.Wrapf(bterrors.ErrHashMismatch, "assembled metadata hashes to %x, want %s", sum, infoHash)
	}
	return metainfo.ParseInfoDict(raw, infoHash, nil)
}

// CachePath returns where a bootstrapped info-dict is cached, named
// "<hex-info-hash>.meta".
func CachePath(dir string, infoHash metainfo.InfoHash) string {
	return filepath.Join(dir, infoHash.String()+".meta")
}

// SaveMetadataCache persists raw info-dict bytes to CachePath.
func SaveMetadataCache(dir string, infoHash metainfo.InfoHash, raw []byte) error {
	return os.WriteFile(CachePath(dir, infoHash), raw, 0o644)
}

// LoadMetadataCache reads a cached info-dict, verifying its integrity
// against infoHash; a mismatch or missing file is treated as absent cache
// rather than an error, so callers fall back to the network bootstrap.
func LoadMetadataCache(dir string, infoHash metainfo.InfoHash) ([]byte, bool) {
	raw, err := os.ReadFile(CachePath(dir, infoHash))
	if err != nil {
		return nil, false
	}
	if metainfo.InfoHash(sha1.Sum(raw)) != infoHash {
		return nil, false
	}
	return raw, true
}
