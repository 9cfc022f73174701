package safetick

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cthede11/guardian/internal/actorid"
	"github.com/cthede11/guardian/internal/freeze"
	"github.com/cthede11/guardian/internal/ruleset"
)

func newTestGuard(t *testing.T, thresholds Thresholds) (*Guard, *freeze.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg, err := freeze.Open(dir, freeze.DefaultCaps(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return New(reg, thresholds, nil), reg
}

// TestFreezeAndThaw models scenario S1.
func TestFreezeAndThaw(t *testing.T) {
	g, reg := newTestGuard(t, Thresholds{Window: 60 * time.Second, EntityThreshold: 3, BlockEntityThreshold: 3})
	actor := actorid.NewEntityRandom()

	assert.True(t, g.ShouldTick(actor))

	var action Action
	var err error
	for i := 0; i < 2; i++ {
		action, err = g.OnTickException(FaultReport{
			Actor:          actor,
			CauseKind:      ruleset.CauseNullRef,
			CauseMessage:   "nil pointer",
			OffendingClass: "com.example.FooEntity",
		})
		require.NoError(t, err)
		assert.Equal(t, ActionContinue, action)
	}

	action, err = g.OnTickException(FaultReport{
		Actor:          actor,
		CauseKind:      ruleset.CauseNullRef,
		CauseMessage:   "nil pointer",
		OffendingClass: "com.example.FooEntity",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionFreeze, action)
	assert.False(t, g.ShouldTick(actor))
	assert.True(t, reg.IsFrozen(actor))

	dir := t.TempDir()
	rulePath := filepath.Join(dir, "rules.guardian")
	require.NoError(t, os.WriteFile(rulePath, []byte(`
rule fix-foo {
  when {
    class-present "com.example.FooEntity"
    fixes-cause "NullRef"
  }
  action {
    disable-mixin "com.example.FooMixin"
  }
}
`), 0o644))

	store := ruleset.New(nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.RunThawDriver(store, stop)
		close(done)
	}()

	_, err = store.Load(rulePath)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return g.ShouldTick(actor)
	}, time.Second, 5*time.Millisecond)

	close(stop)
	<-done

	assert.Equal(t, uint32(1), g.thawAttemptsFor(actor))
}

func TestSingleFaultThresholdFreezesImmediately(t *testing.T) {
	g, _ := newTestGuard(t, Thresholds{Window: 60 * time.Second, EntityThreshold: 1, BlockEntityThreshold: 1})
	actor := actorid.NewEntityRandom()

	action, err := g.OnTickException(FaultReport{Actor: actor, CauseKind: ruleset.CauseOther})
	require.NoError(t, err)
	assert.Equal(t, ActionFreeze, action)
}

func TestSlidingWindowResets(t *testing.T) {
	g, _ := newTestGuard(t, Thresholds{Window: 20 * time.Millisecond, EntityThreshold: 3, BlockEntityThreshold: 3})
	actor := actorid.NewEntityRandom()

	action, err := g.OnTickException(FaultReport{Actor: actor, CauseKind: ruleset.CauseOther})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, action)

	time.Sleep(30 * time.Millisecond)

	action, err = g.OnTickException(FaultReport{Actor: actor, CauseKind: ruleset.CauseOther})
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, action, "window elapsed, counter should have reset")
}
