package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepAndExit(seconds string, code string) []string {
	return []string{"-c", "sleep " + seconds + "; exit " + code}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := Config{
		Command:         "sh",
		Args:            sleepAndExit("5", "0"),
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
	s := New(cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Equal(t, "blue", s.Status().ActiveColor)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
}

// TestRestartBudgetExhaustionEntersFailed exercises scenario S6: capacity=2,
// refill=1/60s, the child crashes repeatedly. The third crash must leave
// the Supervisor in Failed with exit code 2.
func TestRestartBudgetExhaustionEntersFailed(t *testing.T) {
	cfg := Config{
		Command:               "sh",
		Args:                  sleepAndExit("0.1", "1"),
		StartupTimeout:        5 * time.Second,
		HealthInterval:        10 * time.Second,
		ShutdownTimeout:       2 * time.Second,
		RestartBudgetCapacity: 2,
		RestartBudgetRefill:   60 * time.Second,
	}
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.Status().State == StateFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, 2, s.ExitCode())
	assert.ErrorContains(t, s.Err(), "restart budget exhausted")
	assert.GreaterOrEqual(t, s.Status().RestartCount, uint64(2))
}

// TestDeployPromotesGreenAndStopsBlue exercises scenario S5: a healthy
// Green candidate is promoted to active and the old Blue is retired.
func TestDeployPromotesGreenAndStopsBlue(t *testing.T) {
	cfg := Config{
		Command:         "sh",
		Args:            sleepAndExit("30", "0"),
		StartupTimeout:  5 * time.Second,
		HealthInterval:  10 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		NConsecutive:    2,
	}
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	before := s.Status()
	require.Equal(t, StateRunning, before.State)
	s.mu.Lock()
	oldBlue := s.blue
	s.mu.Unlock()

	err := s.Deploy(context.Background(), "sh", sleepAndExit("30", "0"))
	require.NoError(t, err)

	after := s.Status()
	assert.Equal(t, StateRunning, after.State)
	assert.Equal(t, "blue", after.ActiveColor)
	assert.Equal(t, 0, after.Strikes)

	// The promoted child takes over the blue slot; the retired one exits.
	s.mu.Lock()
	assert.NotSame(t, oldBlue, s.blue)
	s.mu.Unlock()
	require.Eventually(t, oldBlue.Exited, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
}

// TestDeployLeavesBlueUntouchedOnUnhealthyGreen exercises the failure arm
// of blue-green: a Green that never becomes healthy is torn down and the
// active Blue keeps serving.
func TestDeployLeavesBlueUntouchedOnUnhealthyGreen(t *testing.T) {
	cfg := Config{
		Command:         "sh",
		Args:            sleepAndExit("30", "0"),
		StartupTimeout:  300 * time.Millisecond,
		HealthInterval:  10 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		NConsecutive:    2,
	}
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))

	// A command that exits immediately never satisfies awaitHealthy's
	// "still alive" check across n_consecutive polls.
	err := s.Deploy(context.Background(), "sh", []string{"-c", "exit 1"})
	assert.Error(t, err)

	assert.Equal(t, StateRunning, s.Status().State)
	require.NoError(t, s.Stop(context.Background()))
}
