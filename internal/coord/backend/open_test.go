package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"clusterd/internal/coord"
	"clusterd/internal/coord/memory"
	logx "clusterd/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemorySharesGrid(t *testing.T) {
	g := memory.NewGrid()
	a, err := Open(Config{Driver: "memory", Member: coord.Member{ID: "a", Meta: map[string]string{"role": "worker"}}}, Options{Grid: g}, logx.Nop())
	require.NoError(t, err)
	b, err := Open(Config{Member: coord.Member{ID: "b"}}, Options{Grid: g}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Init(ctx))
	require.NoError(t, b.Init(ctx))
	defer func() { _ = a.Shutdown(ctx); _ = b.Shutdown(ctx) }()

	assert.Equal(t, "worker", a.LocalMember().Meta["role"])
	members, err := b.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coord", "cluster.db")
	c, err := Open(Config{Driver: "SQLite", Path: path, LeaseTTL: 3 * time.Second}, Options{}, logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Init(ctx))
	defer func() { _ = c.Shutdown(ctx) }()

	assert.NotEmpty(t, c.LocalMember().ID, "member id is generated when unset")
	n, err := c.AtomicLong("probe").IncrementAndGet(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, Options{}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "sqlite"}, Options{}, logx.Nop())
	assert.Error(t, err, "sqlite needs a path")
}
