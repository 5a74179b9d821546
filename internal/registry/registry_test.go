package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/carlink/internal/registry"
	"github.com/ent0n29/carlink/internal/registry/registrytest"
)

func TestRegisterIsIdempotentByIdentity(t *testing.T) {
	r := registry.New()
	c, _ := registrytest.Connect("dev-1")

	r.Register(c)
	r.Register(c)
	assert.Equal(t, 1, r.Count())

	got, ok := r.FindByDeviceID("dev-1")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestReconnectKeepsStaleEntryUntilItsOwnRemove(t *testing.T) {
	r := registry.New()
	stale, _ := registrytest.Connect("dev-1")
	fresh, _ := registrytest.Connect("dev-1")

	r.Register(stale)
	r.Register(fresh)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"dev-1"}, r.DeviceIDs())

	got, _ := r.FindByDeviceID("dev-1")
	assert.Same(t, stale, got, "first match wins")

	assert.True(t, r.Remove(stale))
	got, ok := r.FindByDeviceID("dev-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := registry.New()
	c, _ := registrytest.Connect("dev-1")
	r.Register(c)

	assert.True(t, r.Remove(c))
	assert.False(t, r.Remove(c))
	_, ok := r.FindByDeviceID("dev-1")
	assert.False(t, ok)
}

func TestAllIsASnapshot(t *testing.T) {
	r := registry.New()
	a, _ := registrytest.Connect("a")
	b, _ := registrytest.Connect("b")
	r.Register(a)
	r.Register(b)

	snap := r.All()
	r.Remove(a)
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, r.Count())
}

func TestChangeHookReportsCount(t *testing.T) {
	r := registry.New()
	var counts []int
	r.SetChangeHook(func(n int) { counts = append(counts, n) })

	c, _ := registrytest.Connect("dev-1")
	r.Register(c)
	r.Register(c)
	r.Remove(c)
	r.Remove(c)
	assert.Equal(t, []int{1, 0}, counts)
}

func TestConcurrentRegisterRemove(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := registrytest.Connect("dev")
			r.Register(c)
			_ = r.All()
			r.Remove(c)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}

func TestConversationUpdate(t *testing.T) {
	c, _ := registrytest.Connect("dev-1")
	assert.Equal(t, registry.ModeIdle, c.Mode())

	c.Update(func(cv *registry.Conversation) {
		cv.Mode = registry.ModeAwaitingJoinDecision
		cv.CandidateGroupID = "g1"
		cv.GroupID = "g0"
	})
	assert.Equal(t, "awaiting_join_decision", c.Mode().String())

	c.ResetConversation()
	cv := c.Conversation()
	assert.Equal(t, registry.ModeIdle, cv.Mode)
	assert.Empty(t, cv.CandidateGroupID)
	assert.Equal(t, "g0", cv.GroupID)
}
