package rendercache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMiss(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.Get(context.Background(), Key("v1", "fonts", "$ x $"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	key := Key("typst 0.12.0", "abc123", "#set page(width: auto)\n$ x+1 $")

	require.NoError(t, c.Put(ctx, key, "<svg>x+1</svg>"))

	svg, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<svg>x+1</svg>", svg)
}

func TestPutOverwrites(t *testing.T) {
	c, err := Open(":memory:")
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	key := Key("v", "f", "s")
	require.NoError(t, c.Put(ctx, key, "<svg>old</svg>"))
	require.NoError(t, c.Put(ctx, key, "<svg>new</svg>"))

	svg, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<svg>new</svg>", svg)
}

func TestPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render-cache.db")
	ctx := context.Background()
	key := Key("v", "f", "doc")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key, "<svg/>"))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	svg, ok, err := c2.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<svg/>", svg)
}

func TestKeySensitivity(t *testing.T) {
	base := Key("v1", "fonts", "src")

	assert.NotEqual(t, base, Key("v2", "fonts", "src"))
	assert.NotEqual(t, base, Key("v1", "other", "src"))
	assert.NotEqual(t, base, Key("v1", "fonts", "src2"))
	// Field boundaries matter: shifting bytes between fields changes the key.
	assert.NotEqual(t, Key("ab", "c", ""), Key("a", "bc", ""))
	assert.Equal(t, base, Key("v1", "fonts", "src"))
}
