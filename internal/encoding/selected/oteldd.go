//go:build otel_dd && !otel_otlp

package selected

import (
	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
	"github.com/vyrodovalexey/lambdatrace/internal/encoding/oteldd"
)

// Variant is the encoder linked into this build.
const Variant = encoding.VariantOTelDD

// Protocol is the wire format produced by New.
const Protocol = encoding.ProtocolDatadogJSON

// New returns the build's Strategy.
func New(tags encoding.Tags) encoding.Strategy {
	return oteldd.New(tags)
}
