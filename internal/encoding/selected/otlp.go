//go:build otel_otlp

package selected

import (
	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/otlp"
)

// Variant is the encoder linked into this build.
const Variant = encoding.VariantOTelOTLP

// Protocol is the wire format produced by New.
const Protocol = encoding.ProtocolOTLPProto

// New returns the build's Strategy.
func New(tags encoding.Tags) encoding.Strategy {
	return otlp.New(tags)
}
