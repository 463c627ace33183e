package group_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/clock"
	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/group"
	"github.com/neurogate/gateway/internal/tag"
)

func mustTag(t *testing.T, name string) tag.Tag {
	t.Helper()
	tg, err := tag.New(name, "1!400001", tag.TypeInt16, tag.AttrRead, nil)
	require.NoError(t, err)
	return tg
}

func TestAddTagConflict(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	g, err := group.New(clk, "g1", 1000)
	require.NoError(t, err)

	require.NoError(t, g.AddTag(mustTag(t, "t1")))
	tsAfterFirst := g.Timestamp()

	err = g.AddTag(mustTag(t, "t1"))
	require.Error(t, err)
	require.Equal(t, gatewayerr.TagNameConflict, gatewayerr.CodeOf(err))
	require.Equal(t, 1, g.Size())
	require.Equal(t, tsAfterFirst, g.Timestamp(), "failed add must not bump timestamp")
}

func TestTimestampMonotonic(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	g, err := group.New(clk, "g1", 1000)
	require.NoError(t, err)

	var last int64
	for i, name := range []string{"a", "b", "c"} {
		clk.Set(int64(1000 + i))
		require.NoError(t, g.AddTag(mustTag(t, name)))
		ts := g.Timestamp()
		require.Greater(t, ts, last)
		last = ts
	}
}

func TestFindTagReturnsDeepCopy(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	g, err := group.New(clk, "g1", 1000)
	require.NoError(t, err)
	require.NoError(t, g.AddTag(mustTag(t, "t1")))

	found, err := g.FindTag("t1")
	require.NoError(t, err)
	found.Description = "mutated by caller"

	again, err := g.FindTag("t1")
	require.NoError(t, err)
	require.Empty(t, again.Description, "mutating a returned copy must not affect group state")
}

func TestChangeTestOnlyFiresOnChange(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	g, err := group.New(clk, "g1", 1000)
	require.NoError(t, err)
	require.NoError(t, g.AddTag(mustTag(t, "t1")))

	prevTS := g.Timestamp()
	calls := 0
	g.ChangeTest(prevTS, func(int64, []tag.Tag, []tag.Tag, int64) { calls++ })
	require.Equal(t, 0, calls, "no call expected when timestamp hasn't moved")

	clk.Set(clk.Now() + 1)
	require.NoError(t, g.AddTag(mustTag(t, "t2")))
	g.ChangeTest(prevTS, func(ts int64, static, other []tag.Tag, interval int64) {
		calls++
		require.Len(t, other, 2)
		require.Equal(t, int64(1000), interval)
	})
	require.Equal(t, 1, calls)
}

func TestSetIntervalBumpsTimestamp(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	g, err := group.New(clk, "g1", 1000)
	require.NoError(t, err)
	before := g.Timestamp()

	clk.Set(clk.Now() + 1)
	require.NoError(t, g.SetInterval(500))
	require.Greater(t, g.Timestamp(), before)
	require.Equal(t, int64(500), g.IntervalMS())
}

func TestNewRejectsSubMinimumInterval(t *testing.T) {
	t.Parallel()
	_, err := group.New(clock.New(), "g1", 0)
	require.Error(t, err)
}
