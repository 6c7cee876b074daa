package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutGet(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "payloads/p1/j1/abc.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "memory://payloads/p1/j1/abc.html", uri)

	data, ok := s.GetObject("payloads/p1/j1/abc.html")
	require.True(t, ok)
	require.Equal(t, []byte("<html/>"), data)

	_, ok = s.GetObject("payloads/missing")
	require.False(t, ok)
}
