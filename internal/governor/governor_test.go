package governor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/clock"
)

var epoch = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		StartDelay:    2 * time.Second,
		MinDelay:      time.Second,
		MaxDelay:      10 * time.Second,
		Step:          500 * time.Millisecond,
		Jitter:        0.15,
		SuccessStreak: 3,
		BatchSize:     5,
		BatchRest:     20 * time.Second,
		ProbeInterval: 30 * time.Second,
		MaxBlockWait:  2 * time.Minute,
		CoolDown:      5 * time.Minute,
		MaxOverruns:   2,
	}
}

func newTestGovernor(cfg Config) (*Governor, *clock.Fake) {
	fc := clock.NewFake(epoch)
	return New(cfg, fc, rand.New(rand.NewSource(42))), fc
}

// scripted returns a probe that replays outcomes, repeating the last one.
func scripted(outcomes ...Outcome) (Probe, *int) {
	calls := 0
	return func(context.Context) Outcome {
		o := outcomes[len(outcomes)-1]
		if calls < len(outcomes) {
			o = outcomes[calls]
		}
		calls++
		return o
	}, &calls
}

func TestNextDelayJitterBounds(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	lo := time.Duration(float64(2*time.Second) * 0.85)
	hi := time.Duration(float64(2*time.Second) * 1.15)

	seenBelow, seenAbove := false, false
	for i := 0; i < 1000; i++ {
		d := g.NextDelay()
		require.GreaterOrEqual(t, d, lo)
		require.LessOrEqual(t, d, hi)
		if d < 2*time.Second {
			seenBelow = true
		}
		if d > 2*time.Second {
			seenAbove = true
		}
	}
	assert.True(t, seenBelow && seenAbove, "jitter should be symmetric around the delay")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want Outcome
	}{
		{name: "200", resp: &http.Response{StatusCode: 200}, want: OK},
		{name: "204", resp: &http.Response{StatusCode: 204}, want: OK},
		{name: "302 to block page", resp: &http.Response{StatusCode: 302}, want: Blocked},
		{name: "307", resp: &http.Response{StatusCode: 307}, want: Blocked},
		{name: "403", resp: &http.Response{StatusCode: 403}, want: Blocked},
		{name: "429", resp: &http.Response{StatusCode: 429}, want: Blocked},
		{name: "500", resp: &http.Response{StatusCode: 500}, want: NetworkError},
		{name: "503", resp: &http.Response{StatusCode: 503}, want: NetworkError},
		{name: "404", resp: &http.Response{StatusCode: 404}, want: NetworkError},
		{name: "transport error", err: errors.New("connection reset by peer"), want: NetworkError},
		{name: "nil response", want: NetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.resp, tt.err))
		})
	}
}

func TestRecoverResumesAboveSafeDelay(t *testing.T) {
	g, fc := newTestGovernor(testConfig())
	before := g.Stats().Delay

	g.OnBlocked()
	assert.Equal(t, StateProbing, g.Stats().State)

	probe, calls := scripted(Blocked, Blocked, OK)
	require.NoError(t, g.Recover(context.Background(), probe))

	assert.Equal(t, 3, *calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, fc.Sleeps())

	st := g.Stats()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, before+500*time.Millisecond, st.Delay)
	assert.GreaterOrEqual(t, st.Delay, before)
	assert.Equal(t, 1, st.Blocks)
	assert.Equal(t, 0, st.ConsecutiveBlocks)
	assert.Equal(t, epoch, st.LastBlock)
}

func TestRecoverNeverLowersDelayAtCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.StartDelay = 10 * time.Second
	cfg.MaxDelay = 10 * time.Second
	g, _ := newTestGovernor(cfg)

	g.OnBlocked()
	probe, _ := scripted(OK)
	require.NoError(t, g.Recover(context.Background(), probe))
	assert.Equal(t, 10*time.Second, g.Stats().Delay)
}

func TestNextDelayAfterRecoveryStaysAbovePreBlockDelay(t *testing.T) {
	cfg := testConfig()
	cfg.StartDelay = 10 * time.Second
	cfg.MaxDelay = 20 * time.Second
	g, _ := newTestGovernor(cfg)

	g.OnBlocked()
	probe, _ := scripted(OK)
	require.NoError(t, g.Recover(context.Background(), probe))
	require.Equal(t, 10500*time.Millisecond, g.Stats().Delay)

	seenSafe := false
	for i := 0; i < 1000; i++ {
		d := g.NextDelay()
		require.GreaterOrEqual(t, d, 10*time.Second)
		require.LessOrEqual(t, d, time.Duration(float64(10500*time.Millisecond)*1.15))
		if d == 10*time.Second {
			seenSafe = true
		}
	}
	assert.True(t, seenSafe, "downward jitter should be clamped to the pre-block delay")
}

func TestSuccessStreakTunesDownToFloor(t *testing.T) {
	g, _ := newTestGovernor(testConfig())

	for i := 0; i < 3; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, 1500*time.Millisecond, g.Stats().Delay)

	for i := 0; i < 30; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, time.Second, g.Stats().Delay, "delay must stop at MinDelay")
}

func TestLearnedFloorAfterBlock(t *testing.T) {
	g, _ := newTestGovernor(testConfig())

	g.OnBlocked()
	probe, _ := scripted(OK)
	require.NoError(t, g.Recover(context.Background(), probe))
	resumed := g.Stats().Delay

	for i := 0; i < 30; i++ {
		g.OnSuccess()
	}
	assert.Equal(t, resumed, g.Stats().Delay, "tuning must not erode the post-block margin")
	assert.Equal(t, resumed, g.Stats().Floor)
}

func TestNetworkErrorIsNotABlock(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	g.OnSuccess()
	g.OnSuccess()
	g.OnNetworkError()
	g.OnSuccess()

	st := g.Stats()
	assert.Equal(t, 0, st.Blocks)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 2*time.Second, st.Delay, "streak was broken so no tuning yet")
}

func TestPaceBatchRest(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessStreak = 100
	cfg.Jitter = 0.0001
	g, fc := newTestGovernor(cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Pace(ctx))
		g.OnSuccess()
	}
	require.NoError(t, g.Pace(ctx))

	sleeps := fc.Sleeps()
	require.Len(t, sleeps, 7)
	assert.Equal(t, 20*time.Second, sleeps[5], "rest must precede the request after a full batch")
	assert.InDelta(t, float64(2*time.Second), float64(sleeps[6]), float64(time.Millisecond))
}

func TestRecoverOverrunsDeferTile(t *testing.T) {
	g, fc := newTestGovernor(testConfig())

	g.OnBlocked()
	probe, calls := scripted(Blocked)
	err := g.Recover(context.Background(), probe)
	require.ErrorIs(t, err, ErrTileDeferred)

	// four probes per two-minute window, one cool-down between windows
	assert.Equal(t, 8, *calls)
	sleeps := fc.Sleeps()
	require.Len(t, sleeps, 9)
	assert.Equal(t, 5*time.Minute, sleeps[4])

	st := g.Stats()
	assert.Equal(t, StateTileDeferred, st.State)
	assert.Equal(t, 2, st.Overruns)
	assert.Equal(t, 1, st.Blocks, "probe blocks extend the episode, not the block count")

	g.OnSuccess()
	assert.Equal(t, StateRunning, g.Stats().State)
}

func TestRecoverNetworkErrorsKeepProbing(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	g.OnBlocked()

	probe, calls := scripted(NetworkError, NetworkError, OK)
	require.NoError(t, g.Recover(context.Background(), probe))
	assert.Equal(t, 3, *calls)
	assert.Equal(t, 1, g.Stats().Blocks)
}

func TestRecoverHonorsCancellation(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	g.OnBlocked()

	ctx, cancel := context.WithCancel(context.Background())
	probe := func(context.Context) Outcome {
		cancel()
		return Blocked
	}
	err := g.Recover(ctx, probe)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObserverSeesStateMachine(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	var states []State
	g.Observe(func(s Stats) {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	})

	g.OnBlocked()
	probe, _ := scripted(Blocked, OK)
	require.NoError(t, g.Recover(context.Background(), probe))

	assert.Equal(t, []State{
		StateRunning, StateProbing, StateBackoffWait, StateProbing, StateBackoffWait, StateProbing, StateRunning,
	}, states)
}

func TestResetClearsRunState(t *testing.T) {
	g, _ := newTestGovernor(testConfig())
	g.OnBlocked()
	probe, _ := scripted(OK)
	require.NoError(t, g.Recover(context.Background(), probe))

	g.Reset()
	st := g.Stats()
	assert.Equal(t, 2*time.Second, st.Delay)
	assert.Equal(t, time.Second, st.Floor)
	assert.Equal(t, 0, st.Blocks)
}
