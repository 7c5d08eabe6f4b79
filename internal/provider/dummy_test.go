package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomIDsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := randomID()
		require.Len(t, id, 12)
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestDummySendAssignsProviderID(t *testing.T) {
	d := NewDummy()
	ids := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := d.SendText(context.Background(), "5511987654321", "oi")
		if err != nil {
			// simulated transient failure, classified as retryable
			require.Equal(t, KindTransient, Kind(err))
			continue
		}
		require.True(t, strings.HasPrefix(id, "prov-"))
		require.False(t, ids[id], "duplicate id %q", id)
		ids[id] = true
	}
}
