package ruleset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureRule = `
# fixes a known NPE in FooEntity tick
rule fix-foo-nullref {
  when {
    mod-loaded "examplemod"
    class-present "com.example.FooEntity"
    fixes-cause "NullRef"
  }
  action {
    disable-mixin "com.example.mixins.FooTickMixin"
  }
}
`

func writeFixture(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.guardian")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules(fixtureRule)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "fix-foo-nullref", r.ID)
	assert.Len(t, r.Predicate, 3)
	assert.Equal(t, ActionDisableMixin, r.Action.Kind)
	assert.Equal(t, "com.example.mixins.FooTickMixin", r.Action.Mixin)
}

func TestStoreLoadPublishesVersion(t *testing.T) {
	path := writeFixture(t, fixtureRule)
	s := New(nil)

	v0, rs0 := s.Current()
	assert.Equal(t, uint64(0), v0)
	assert.Empty(t, rs0.Rules)

	v1, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v, rs := s.Current()
	assert.Equal(t, uint64(1), v)
	require.Len(t, rs.Rules, 1)
}

func TestStoreLoadParseErrorKeepsPreviousSnapshot(t *testing.T) {
	path := writeFixture(t, fixtureRule)
	s := New(nil)
	_, err := s.Load(path)
	require.NoError(t, err)

	badPath := writeFixture(t, "rule broken {\n")
	_, err = s.Load(badPath)
	require.Error(t, err)

	v, rs := s.Current()
	assert.Equal(t, uint64(1), v)
	require.Len(t, rs.Rules, 1)
}

func TestStoreLoadUnchangedFileIsNoOp(t *testing.T) {
	path := writeFixture(t, fixtureRule)
	s := New(nil)

	v1, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	ch, cancel := s.Watch()
	defer cancel()

	v2, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	select {
	case v := <-ch:
		t.Fatalf("unexpected version notification for unchanged file: %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAppliesTo(t *testing.T) {
	path := writeFixture(t, fixtureRule)
	s := New(nil)
	_, err := s.Load(path)
	require.NoError(t, err)

	assert.True(t, s.AppliesTo(CauseNullRef, "com.example.FooEntity"))
	assert.False(t, s.AppliesTo(CauseNullRef, "com.example.BarEntity"))
	assert.False(t, s.AppliesTo(CauseArithmetic, "com.example.FooEntity"))
}

func TestWatchReceivesNewVersion(t *testing.T) {
	path := writeFixture(t, fixtureRule)
	s := New(nil)

	ch, cancel := s.Watch()
	defer cancel()

	_, err := s.Load(path)
	require.NoError(t, err)

	select {
	case v := <-ch:
		assert.Equal(t, uint64(1), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for version notification")
	}
}

func TestWaitForVersionChangeTimesOut(t *testing.T) {
	s := New(nil)
	v, changed := s.WaitForVersionChange(0, 10*time.Millisecond)
	assert.False(t, changed)
	assert.Equal(t, uint64(0), v)
}
