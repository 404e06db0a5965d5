// Package clockutil holds the single shared default clock.Clock so every
// component (scheduler, peer session, tracker) uses the same source of
// time in production and accepts a replacement through its WithClock
// option, the way uber-kraken's scheduler components each take a
// clock.Clock constructor argument.
package clockutil

import "github.com/andres-erbsen/clock"

// Real is the production default: the wall clock.
func Real() clock.Clock { return clock.New() }
