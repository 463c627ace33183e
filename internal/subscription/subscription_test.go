package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogate/gateway/internal/subscription"
)

func alwaysExists(string, string) bool { return true }

func TestSubUnsub(t *testing.T) {
	t.Parallel()
	tb := subscription.New()

	require.NoError(t, tb.Sub("d1", "a1", "g1", "", "a1", alwaysExists))
	require.Len(t, tb.SubsForDriver("d1"), 1)

	tb.Unsub("d1", "a1", "g1")
	require.Empty(t, tb.SubsForDriver("d1"))
}

func TestSubRejectsMissingGroup(t *testing.T) {
	t.Parallel()
	tb := subscription.New()
	err := tb.Sub("d1", "a1", "g1", "", "a1", func(string, string) bool { return false })
	require.Error(t, err)
	require.Empty(t, tb.SubsForDriver("d1"))
}

func TestUnsubAllReturnsAndRemovesAppSubs(t *testing.T) {
	t.Parallel()
	tb := subscription.New()
	require.NoError(t, tb.Sub("d1", "a1", "g1", "", "a1", alwaysExists))
	require.NoError(t, tb.Sub("d2", "a1", "g2", "", "a1", alwaysExists))
	require.NoError(t, tb.Sub("d1", "a2", "g1", "", "a2", alwaysExists))

	removed := tb.UnsubAll("a1")
	require.Len(t, removed, 2)
	require.Empty(t, tb.UnsubAll("a1"))
	require.Len(t, tb.SubsForDriver("d1"), 1)
}

func TestUpdateDriverName(t *testing.T) {
	t.Parallel()
	tb := subscription.New()
	require.NoError(t, tb.Sub("d1", "a1", "g1", "", "a1", alwaysExists))

	tb.UpdateDriverName("d1", "d1-renamed")
	require.Empty(t, tb.SubsForDriver("d1"))
	subs := tb.SubsForDriver("d1-renamed")
	require.Len(t, subs, 1)
	require.Equal(t, "d1-renamed", subs[0].Driver)
}

func TestUpdateAppName(t *testing.T) {
	t.Parallel()
	tb := subscription.New()
	require.NoError(t, tb.Sub("d1", "a1", "g1", "", "a1", alwaysExists))

	tb.UpdateAppName("a1", "a1-renamed")
	subs := tb.SubsForDriver("d1")
	require.Len(t, subs, 1)
	require.Equal(t, "a1-renamed", subs[0].App)
	require.Equal(t, "a1-renamed", subs[0].AppAddr)
}
