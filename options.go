package evidencecache

import (
	"github.com/factseeker/evidencecache/codec"
	"github.com/factseeker/evidencecache/watcher"
	"github.com/factseeker/evidencecache/watchstate"
	"golang.org/x/time/rate"
)

type options struct {
	codec     codec.Codec
	logger    *Logger
	clock     watcher.Clock
	state     watchstate.Store
	crawlRate rate.Limit
	discover  bool
}

// Option configures Manager construction behavior.
//
// Options exist to avoid exploding the constructor surface; everything
// has a sensible default.
type Option func(*options)

// WithCodec configures the codec used for metadata blobs.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging. If nil is passed, a text
// logger at info level is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NewLogger(nil)
		}
		o.logger = l
	}
}

// WithClock injects the watcher's clock. Tests use this to drive polling
// cycles deterministically.
func WithClock(c watcher.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithStateStore persists watch state (last-seen watermarks) somewhere
// other than the configured state file, e.g. watchstate.DDBStore when
// several hosts share one cache bucket.
func WithStateStore(s watchstate.Store) Option {
	return func(o *options) {
		o.state = s
	}
}

// WithCrawlRate paces crawler calls during prewarm. Zero leaves crawling
// unpaced.
func WithCrawlRate(r rate.Limit) Option {
	return func(o *options) {
		o.crawlRate = r
	}
}

// WithDiscovery makes the watcher track every partition published under
// the remote prefix, not just the current month.
func WithDiscovery(enabled bool) Option {
	return func(o *options) {
		o.discover = enabled
	}
}
