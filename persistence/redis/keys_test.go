package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_newKeys(t *testing.T) {
	t.Run("WithEmptyPrefix", func(t *testing.T) {
		k := newKeys("")
		require.Empty(t, k.prefix)
		require.Equal(t, "instance:i1", k.instanceKey("i1"))
	})

	t.Run("WithNonEmptyPrefixWithoutColon", func(t *testing.T) {
		k := newKeys("prefix")
		require.Equal(t, "prefix:", k.prefix)
		require.Equal(t, "prefix:owner-locks:o1", k.ownerLocksKey("o1"))
	})

	t.Run("WithNonEmptyPrefixWithColon", func(t *testing.T) {
		k := newKeys("prefix:")
		require.Equal(t, "prefix:", k.prefix)
		require.Equal(t, "prefix:instances-runnable", k.runnableKey())
	})
}
