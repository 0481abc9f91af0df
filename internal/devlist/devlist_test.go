package devlist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/lattice"
)

func testTable() *lattice.Table {
	names := []string{
		"BPMS:IN20:221", "BPMS:IN20:821", "BPMS:LI21:201", "BPMS:LI21:233",
		"BPMS:BSY0:52", "BPMS:LTU1:250", "BPMS:LTU0:170", "BPMS:UND1:3395",
		"BPMS:UND1:100", "XCOR:LI21:275",
	}
	elements := make([]lattice.Element, len(names))
	for i, n := range names {
		elements[i] = lattice.Element{Name: n, Z: float64(i), RMat: lattice.Identity()}
	}
	return lattice.NewTable(elements)
}

type countingDirectory struct {
	Directory
	calls int
	err   error
}

func (d *countingDirectory) Names(ctx context.Context, pattern string) ([]string, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.Directory.Names(ctx, pattern)
}

func TestDiscover(t *testing.T) {
	p := NewBPMProvider(TableDirectory{Table: testTable()}, nil)
	names, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"BPMS:IN20:221", "BPMS:LI21:201", "BPMS:LI21:233",
		"BPMS:LTU1:250", "BPMS:LTU0:170", "BPMS:UND1:100",
	}, names)
}

func TestDefaultExclude(t *testing.T) {
	for _, n := range []string{"BPMS:IN20:821", "BPMS:IN20:981", "BPMS:BSY0:52", "BPMS:UND1:3395"} {
		assert.True(t, DefaultExclude.MatchString(n), n)
	}
	for _, n := range []string{"BPMS:IN20:731", "BPMS:BSY0:521", "BPMS:UND1:339"} {
		assert.False(t, DefaultExclude.MatchString(n), n)
	}
}

func TestNamesUsesCache(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	dir := &countingDirectory{Directory: TableDirectory{Table: testTable()}}
	p := NewBPMProvider(dir, NewFileCache(fs, "cache"))
	ctx := context.Background()

	first, err := p.Names(ctx)
	require.NoError(t, err)
	calls := dir.calls
	assert.Equal(t, len(DefaultSectors), calls)

	second, err := p.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, dir.calls)
	assert.True(t, fs.Exists("cache/bpm_names.json"))

	_, err = p.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*calls, dir.calls)
}

func TestNamesDirectoryFailure(t *testing.T) {
	dir := &countingDirectory{Directory: TableDirectory{Table: testTable()}, err: errors.New("model offline")}
	p := NewBPMProvider(dir, NewFileCache(fsutil.NewMemoryFileSystem(), "cache"))
	_, err := p.Names(context.Background())
	assert.Error(t, err)
}

func TestFileCache(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	c := NewFileCache(fs, "cache")
	ctx := context.Background()

	_, err := c.Load(ctx, "x/y")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Store(ctx, "x/y", []string{"A", "B"}))
	assert.True(t, fs.Exists("cache/x_y.json"))
	got, err := c.Load(ctx, "x/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got)

	require.NoError(t, c.Store(ctx, "empty", nil))
	_, err = c.Load(ctx, "empty")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Invalidate(ctx, "x/y"))
	_, err = c.Load(ctx, "x/y")
	assert.ErrorIs(t, err, ErrCacheMiss)
	require.NoError(t, c.Invalidate(ctx, "never-stored"))
}

func TestRedisCacheUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	c := NewRedisCache(rdb, time.Hour)
	ctx := context.Background()

	_, err := c.Load(ctx, "bpm_names")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
	assert.Error(t, c.Store(ctx, "bpm_names", []string{"A"}))
	assert.Equal(t, "devlist:bpm_names", redisKey("bpm_names"))
}

func TestProviderFallsBackWhenCacheBroken(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	p := NewBPMProvider(TableDirectory{Table: testTable()}, NewRedisCache(rdb, 0))
	names, err := p.Names(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 6)
}
