package exporter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lambdatrace/internal/encoding"
)

func TestPool_AcquireBuildsOnce(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32
	p := &Pool{build: func(PoolConfig, *zap.Logger) (Transport, error) {
		builds.Add(1)
		return &stubTransport{}, nil
	}}

	cfg := PoolConfig{Protocol: encoding.ProtocolDatadogJSON, Registerer: prometheus.NewRegistry()}

	var wg sync.WaitGroup
	results := make([]*Shared, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shared, err := p.Acquire(cfg, nil)
			assert.NoError(t, err)
			results[i] = shared
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, shared := range results {
		assert.Same(t, results[0], shared)
	}

	a, b := results[0].NewExporter(), results[0].NewExporter()
	assert.NotSame(t, a, b)
	assert.Same(t, a.breaker, b.breaker)
	assert.Same(t, a.transport, b.transport)
}

func TestPool_BuildError(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &Pool{build: func(PoolConfig, *zap.Logger) (Transport, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("bad endpoint")
		}
		return &stubTransport{}, nil
	}}

	_, err := p.Acquire(PoolConfig{}, nil)
	assert.Error(t, err)

	shared, err := p.Acquire(PoolConfig{Registerer: prometheus.NewRegistry()}, nil)
	require.NoError(t, err)
	assert.NotNil(t, shared)
}

func TestPool_Shutdown(t *testing.T) {
	t.Parallel()

	p := &Pool{build: func(PoolConfig, *zap.Logger) (Transport, error) {
		return &stubTransport{}, nil
	}}
	_, err := p.Acquire(PoolConfig{Registerer: prometheus.NewRegistry()}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = p.Acquire(PoolConfig{}, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      PoolConfig
		wantName string
		wantErr  bool
	}{
		{
			name:     "datadog agent",
			cfg:      PoolConfig{Protocol: encoding.ProtocolDatadogJSON, AgentURL: "http://localhost:8126"},
			wantName: "agent",
		},
		{
			name:     "datadog agent socket",
			cfg:      PoolConfig{Protocol: encoding.ProtocolDatadogJSON, AgentURL: "unix:///var/run/datadog/apm.socket"},
			wantName: "agent",
		},
		{
			name:     "otlp http",
			cfg:      PoolConfig{Protocol: encoding.ProtocolOTLPProto, OTLPEndpoint: "localhost:4318", OTLPProtocol: OTLPProtocolHTTP},
			wantName: "otlp_http",
		},
		{
			name:     "otlp grpc",
			cfg:      PoolConfig{Protocol: encoding.ProtocolOTLPProto, OTLPEndpoint: "localhost:4317", OTLPProtocol: OTLPProtocolGRPC},
			wantName: "otlp_grpc",
		},
		{
			name:    "unknown protocol",
			cfg:     PoolConfig{Protocol: "zipkin"},
			wantErr: true,
		},
		{
			name:    "bad agent url",
			cfg:     PoolConfig{Protocol: encoding.ProtocolDatadogJSON, AgentURL: "ftp://agent"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, err := NewTransport(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, tr.Name())
			assert.NoError(t, tr.Close(context.Background()))
		})
	}
}
