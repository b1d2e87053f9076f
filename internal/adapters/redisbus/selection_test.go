package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Deux répliques sur deux connexions distinctes, comme deux agents sur deux hôtes.
func TestSelectionReplicasConvergeOverRedis(t *testing.T) {
	busA, client := newTestBus(t)
	busB := New(client, "test:", zerolog.Nop())
	t.Cleanup(busB.Close)
	kv := NewKVStore(client, busA)
	ctx := context.Background()

	a := app.NewSelectionReplica(zerolog.Nop(), busA, busA, kv, app.SelectionOptions{ReplicaID: "a", BootstrapTimeout: 100 * time.Millisecond})
	require.NoError(t, a.Init(ctx))
	a.Set("v1", domain.SelectionEntry{ID: "v1", Title: "first"})

	b := app.NewSelectionReplica(zerolog.Nop(), busB, busB, kv, app.SelectionOptions{ReplicaID: "b", BootstrapTimeout: 500 * time.Millisecond})
	require.NoError(t, b.Init(ctx))

	// b a rejoint après la mutation: il l'obtient par RequestState/FullState.
	require.Eventually(t, func() bool { return b.Has("v1") }, 2*time.Second, 10*time.Millisecond)

	b.Set("v2", domain.SelectionEntry{ID: "v2"})
	require.Eventually(t, func() bool { return a.Has("v2") }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, a.Delete("v1"))
	require.Eventually(t, func() bool { return !b.Has("v1") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.Keys(), b.Keys())

	require.NoError(t, b.Shutdown(ctx))
	require.Eventually(t, func() bool {
		n, _ := busA.LivePeers(ctx, app.SelectionTopic)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Shutdown(ctx))

	// a était la dernière réplique: son snapshot est persisté.
	_, err := kv.Get(ctx, "selection/snapshot")
	require.NoError(t, err)
}
