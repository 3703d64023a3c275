package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackends(t *testing.T) {
	for _, kind := range []string{KindMemory, KindPebble, KindDatastore} {
		t.Run(kind, func(t *testing.T) {
			s, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer func() { assert.NoError(t, s.Close()) }()

			_, err = s.Get("peer-chat-history-room")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set("peer-chat-history-room", []byte(`[1]`)))
			require.NoError(t, s.Set("peer-chat-history-room", []byte(`[1,2]`)))
			val, err := s.Get("peer-chat-history-room")
			require.NoError(t, err)
			assert.Equal(t, `[1,2]`, string(val))

			require.NoError(t, s.Delete("peer-chat-history-room"))
			_, err = s.Get("peer-chat-history-room")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()
	val, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(val))
}

func TestOpenRejects(t *testing.T) {
	_, err := Open("sqlite", t.TempDir())
	assert.Error(t, err)
	_, err = Open(KindPebble, "")
	assert.Error(t, err)
	_, err = Open(KindDatastore, "")
	assert.Error(t, err)
}
