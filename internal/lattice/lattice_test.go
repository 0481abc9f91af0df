package lattice

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/steering/internal/fsutil"
)

func quad(k float64) Matrix6 {
	m := Identity()
	m[1][0] = -k
	m[3][2] = k
	return m
}

func testTable() *Table {
	// A drift, a thin quad, then another drift, with dispersion at C.
	a := Drift(1)
	b := quad(0.5).Mul(Drift(2)).Mul(a)
	c := Drift(3).Mul(b)
	c[0][5] = 0.02
	return NewTable([]Element{
		{Name: "BPMS:IN20:221", Z: 1, RMat: a},
		{Name: "BPMS:LI21:201", Z: 3, RMat: b},
		{Name: "BPMS:LI21:301", Z: 6, RMat: c},
		{Name: "XCOR:LI21:101", Z: 2, RMat: Drift(2)},
	})
}

func assertMatrixNear(t *testing.T, want, got Matrix6) {
	t.Helper()
	for i := range want {
		for j := range want[i] {
			assert.InDelta(t, want[i][j], got[i][j], 1e-12, "element [%d][%d]", i, j)
		}
	}
}

func TestTableRMats(t *testing.T) {
	tbl := testTable()
	ctx := context.Background()

	mats, err := tbl.RMats(ctx, "", []string{"BPMS:IN20:221"})
	require.NoError(t, err)
	assertMatrixNear(t, Drift(1), mats[0])

	mats, err = tbl.RMats(ctx, "BPMS:IN20:221", []string{"BPMS:IN20:221", "BPMS:LI21:201"})
	require.NoError(t, err)
	assertMatrixNear(t, Identity(), mats[0])
	assertMatrixNear(t, quad(0.5).Mul(Drift(2)), mats[1])

	// Upstream elements get the inverse transport.
	mats, err = tbl.RMats(ctx, "XCOR:LI21:101", []string{"BPMS:IN20:221"})
	require.NoError(t, err)
	assertMatrixNear(t, Drift(-1), mats[0])

	_, err = tbl.RMats(ctx, "", []string{"NOPE"})
	assert.ErrorIs(t, err, ErrUnknownElement)
	_, err = tbl.RMats(ctx, "NOPE", nil)
	assert.ErrorIs(t, err, ErrUnknownElement)
}

func TestTableZPositionsAndNames(t *testing.T) {
	tbl := testTable()
	zs, err := tbl.ZPositions(context.Background(), []string{"BPMS:LI21:301", "BPMS:IN20:221"})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 1}, zs)

	assert.Equal(t, []string{"BPMS:IN20:221", "BPMS:LI21:201", "BPMS:LI21:301"}, tbl.Names("BPMS:%"))
	assert.Equal(t, []string{"BPMS:LI21:201", "BPMS:LI21:301"}, tbl.Names("BPMS:LI21:%"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tbl.ZPositions(ctx, []string{"BPMS:IN20:221"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"BPMS:LI21:%", "BPMS:LI21:201", true},
		{"BPMS:DMP%", "BPMS:DMP1:502", true},
		{"BPMS:%:201", "BPMS:LI21:201", true},
		{"BPMS:%:201", "BPMS:LI21:301", false},
		{"BPMS:LI21:201", "BPMS:LI21:201", true},
		{"BPMS:LI21", "BPMS:LI21:201", false},
		{"%", "anything", true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestTableSaveLoad(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, testTable().Save(fs, "/lattice.json"))
	loaded, err := LoadTable(fs, "/lattice.json")
	require.NoError(t, err)
	assert.Equal(t, testTable().Elements(), loaded.Elements())

	_, err = LoadTable(fs, "/missing.json")
	assert.Error(t, err)
}

func startServer(t *testing.T, gw Gateway) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterService(srv, NewServer(gw))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	tbl := testTable()
	client := startServer(t, tbl)
	ctx := context.Background()
	names := []string{"BPMS:IN20:221", "BPMS:LI21:201", "BPMS:LI21:301"}

	want, err := tbl.RMats(ctx, "BPMS:IN20:221", names)
	require.NoError(t, err)
	got, err := client.RMats(ctx, "BPMS:IN20:221", names)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assertMatrixNear(t, want[i], got[i])
	}

	zs, err := client.ZPositions(ctx, names)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 6}, zs)

	_, err = client.ZPositions(ctx, []string{"NOPE"})
	assert.ErrorIs(t, err, ErrUnknownElement)
}

type downGateway struct{}

func (downGateway) RMats(context.Context, string, []string) ([]Matrix6, error) {
	return nil, ErrUnavailable
}

func (downGateway) ZPositions(context.Context, []string) ([]float64, error) {
	return nil, errors.New("database locked")
}

func TestGRPCErrorMapping(t *testing.T) {
	client := startServer(t, downGateway{})
	_, err := client.RMats(context.Background(), "", []string{"A"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = client.ZPositions(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, ErrUnavailable, "internal errors are transport failures to the caller")
}

func TestGRPCUnreachable(t *testing.T) {
	client, conn, err := Dial("passthrough:///nowhere",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	_, err = client.ZPositions(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDecodeMatrixLength(t *testing.T) {
	m := Drift(2.5)
	got, err := decodeMatrix(encodeMatrix(m).GetListValue())
	require.NoError(t, err)
	assert.Equal(t, m, got)
	_, err = decodeMatrix(nil)
	assert.Error(t, err)
	assert.False(t, math.IsNaN(got[0][1]))
}
