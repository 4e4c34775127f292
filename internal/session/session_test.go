package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewGeneratesDeviceID(t *testing.T) {
	s := New("  ", " 새싹 ")
	require.NotEmpty(t, s.DeviceID)
	require.Equal(t, "새싹", s.Nickname)
	require.NoError(t, s.Validate())
}

func TestContextRoundTrip(t *testing.T) {
	s := New("device-1", "plant")
	got, ok := FromContext(WithContext(context.Background(), s))
	require.True(t, ok)
	require.Equal(t, s, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Session{}.Validate(), ErrMissingDevice)
}
