package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , =skip, broken, x-tenant = escrow ")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "escrow",
	}, headers)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}

func TestSamplerHonoursRatio(t *testing.T) {
	require.Equal(t, "AlwaysOnSampler", sampler(0).Description())
	require.Equal(t, "AlwaysOnSampler", sampler(1.5).Description())
	require.Equal(t, "TraceIDRatioBased{0.25}", sampler(0.25).Description())
}
