package localssh

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incant-go/incant/internal/backend"
)

func TestUnconfiguredHostIsAbsent(t *testing.T) {
	b := New(Config{Hosts: []Host{{Name: "box", IP: "10.0.0.5"}}}, zerolog.Nop())

	st, err := b.Status(context.Background(), backend.Handle{Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, backend.Absent, st.State)

	_, err = b.Create(context.Background(), backend.CreateRequest{Name: "other"})
	assert.ErrorContains(t, err, "not configured")
}

func TestCreateAttachesToConfiguredHost(t *testing.T) {
	b := New(Config{Hosts: []Host{{Name: "box", IP: "10.0.0.5", Port: 2222}}}, zerolog.Nop())
	h, err := b.Create(context.Background(), backend.CreateRequest{Name: "box"})
	require.NoError(t, err)
	assert.Equal(t, "local-box", h.ID)
	assert.Equal(t, []string{"box"}, b.Hosts())
	assert.Equal(t, "10.0.0.5:2222", Host{IP: "10.0.0.5", Port: 2222}.addr())
	assert.Equal(t, "10.0.0.5:22", Host{IP: "10.0.0.5"}.addr())
}

func TestLocalSSHDoesNotShareFolders(t *testing.T) {
	b := New(Config{}, zerolog.Nop())
	assert.False(t, backend.SharesFolders(b))
}
