package telemetry_test

import (
	"context"
	"testing"

	"cardkiosk/internal/telemetry"

	"github.com/stretchr/testify/require"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "", "cardkiosk-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// non-routable, nothing is exported
	shutdown, err := telemetry.Setup(context.Background(), "http://192.0.2.1:4318", "cardkiosk-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
