package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>about us</html>")
	uri, err := store.PutObject(context.Background(), "companies/c1/pages/p1.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://companies/c1/pages/p1.html", uri)

	// Mutating the caller's slice must not affect the stored copy.
	payload[1] = 'H'
	stored, ok := store.Object("companies/c1/pages/p1.html")
	require.True(t, ok)
	require.Equal(t, "<html>about us</html>", string(stored))
}

func TestBlobStoreOverwrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "companies/c1/report-v1.md", "text/markdown", []byte("draft"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "companies/c1/report-v1.md", "text/markdown", []byte("final"))
	require.NoError(t, err)

	stored, ok := store.Object("companies/c1/report-v1.md")
	require.True(t, ok)
	require.Equal(t, "final", string(stored))

	_, ok = store.Object("companies/c2/report-v1.md")
	require.False(t, ok)
}
