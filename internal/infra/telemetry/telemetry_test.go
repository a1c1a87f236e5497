package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderUsesGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "staging", Environment())

	_, err = NewProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.Equal(t, "development", Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := CartAttributes("prod", "add", ResultStale)
	require.Len(t, attrs, 3)
	require.Equal(t, AttrResult, attrs[2].Key)
	require.Equal(t, "stale", attrs[2].Value.AsString())

	channel := ChannelAttributes("prod", "vendor")
	require.Equal(t, "vendor", channel[1].Value.AsString())
}
