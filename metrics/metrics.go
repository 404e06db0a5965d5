// Package metrics wires up the tally scopes the engine reports through,
// the way uber-kraken's scheduler package
// (lib/torrent/scheduler/conn/handshaker.go) threads a tally.Scope through
// every long-lived component.
package metrics

import "github.com/uber-go/tally"

// Scope groups the counters and gauges this engine reports.
type Scope struct {
	PiecesValidated   tally.Counter
	PiecesFailed      tally.Counter
	BytesDownloaded   tally.Counter
	PeersConnected    tally.Counter
	PeersDisconnected tally.Counter
	RequestsInFlight  tally.Gauge
}

// NewScope builds a Scope under the "goleech" tally namespace. Pass
// tally.NoopScope to disable reporting entirely.
func NewScope(root tally.Scope) *Scope {
	s := root.SubScope("goleech")
	return &Scope{
		PiecesValidated:   s.Counter("pieces_validated"),
		PiecesFailed:      s.Counter("pieces_failed"),
		BytesDownloaded:   s.Counter("bytes_downloaded"),
		PeersConnected:    s.Counter("peers_connected"),
		PeersDisconnected: s.Counter("peers_disconnected"),
		RequestsInFlight:  s.Gauge("requests_in_flight"),
	}
}

// Noop returns a Scope that reports to nowhere, for use in tests and
// library callers who haven't wired up tally.
func Noop() *Scope {
	return NewScope(tally.NoopScope)
}
