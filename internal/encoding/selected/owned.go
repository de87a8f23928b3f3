//go:build !otel_dd && !otel_otlp

package selected

import (
	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/owned"
)

// Variant is the encoder linked into this build.
const Variant = encoding.VariantOwned

// Protocol is the wire format produced by New.
const Protocol = encoding.ProtocolDatadogJSON

// New returns the build's Strategy.
func New(tags encoding.Tags) encoding.Strategy {
	return owned.New(tags)
}
