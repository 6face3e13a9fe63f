package hlc_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/iotrpc/runtime/hlc"
	"github.com/stretchr/testify/require"
)

func TestGetAdvancesCounter(t *testing.T) {
	g := hlc.New(hlc.Options{})

	a, err := g.Get()
	require.NoError(t, err)

	b, err := g.Get()
	require.NoError(t, err)

	require.True(t, b.Compare(a) > 0)
}

func TestSetMergesHigherCounter(t *testing.T) {
	g1 := hlc.New(hlc.Options{})
	g2 := hlc.New(hlc.Options{})

	remote, err := g2.Get()
	require.NoError(t, err)

	require.NoError(t, g1.Set(remote))

	local, err := g1.Get()
	require.NoError(t, err)

	require.True(t, local.Compare(remote) > 0)
}

func TestParseRoundTrip(t *testing.T) {
	g := hlc.New(hlc.Options{})

	original, err := g.Get()
	require.NoError(t, err)

	parsed, err := g.Parse("__ts", original.String())
	require.NoError(t, err)

	require.Equal(t, original.String(), parsed.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	g := hlc.New(hlc.Options{})

	_, err := g.Parse("__ts", "not-an-hlc")
	require.Error(t, err)

	_, err = g.Parse("__ts", "abc:123:node")
	require.Error(t, err)

	_, err = g.Parse("__ts", "123:456:")
	require.Error(t, err)
}

func TestUpdateRejectsExcessiveDrift(t *testing.T) {
	g := hlc.New(hlc.Options{MaxClockDrift: time.Second})

	farFuture := time.Now().Add(time.Hour).UnixMilli()
	driftedStr := fmt.Sprintf("%015d:%05d:%s", farFuture, 0, "other-node")

	drifted, err := g.Parse("__ts", driftedStr)
	require.NoError(t, err)

	require.Error(t, g.Set(drifted))
}
