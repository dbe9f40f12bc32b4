package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikvm/Microservice/internal/task/engine"
	"github.com/ikvm/Microservice/pkg/logx"
)

func newRegistry(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Slots: 4, SweepInterval: time.Hour}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	s, err := New(Config{}, logx.Nop(), eng)
	require.NoError(t, err)
	return s, eng
}

func TestOneShotRunsOnceAndDeregisters(t *testing.T) {
	s, _ := newRegistry(t)
	var runs atomic.Int32
	sch, err := s.Register(NewSchedule("once", 0, func(context.Context, *Schedule) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Poll(time.Now()))
	require.Eventually(t, func() bool { _, ok := s.Get(sch.ID); return !ok }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Poll(time.Now().Add(time.Hour)))
	assert.Equal(t, int32(1), runs.Load())
}

func TestPeriodicReschedulesWithCurrentFrequency(t *testing.T) {
	s, _ := newRegistry(t)
	done := make(chan struct{}, 4)
	sch := NewSchedule("poll", time.Minute, func(_ context.Context, self *Schedule) error {
		self.SetFrequency(time.Hour)
		done <- struct{}{}
		return nil
	})
	_, err := s.Register(sch)
	require.NoError(t, err)

	start := time.Now()
	require.Equal(t, 1, s.Poll(start))
	<-done
	require.Eventually(t, func() bool { return !sch.NextRun().Before(start.Add(59 * time.Minute)) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Hour, sch.CurrentFrequency())
	assert.Equal(t, 0, s.Poll(time.Now()))
}

func TestExecutingScheduleIsNotSubmittedTwice(t *testing.T) {
	s, _ := newRegistry(t)
	release := make(chan struct{})
	sch := NewSchedule("slow", time.Millisecond, func(ctx context.Context, _ *Schedule) error {
		<-release
		return nil
	})
	_, err := s.Register(sch)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Poll(time.Now()))
	assert.Equal(t, 0, s.Poll(time.Now().Add(time.Second)))
	close(release)
}

func TestPausedScheduleIsSkipped(t *testing.T) {
	s, _ := newRegistry(t)
	sch, err := s.Register(NewSchedule("paused", time.Second, func(context.Context, *Schedule) error { return nil }))
	require.NoError(t, err)
	sch.SetShouldPoll(false)
	assert.Equal(t, 0, s.Poll(time.Now().Add(time.Minute)))
	sch.SetShouldPoll(true)
	assert.Equal(t, 1, s.Poll(time.Now().Add(time.Minute)))
}

func TestInitialWaitAndInitialTime(t *testing.T) {
	s, _ := newRegistry(t)
	a := NewSchedule("wait", time.Second, func(context.Context, *Schedule) error { return nil })
	a.InitialWait = time.Hour
	_, err := s.Register(a)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Poll(time.Now()))

	at := time.Now().Add(2 * time.Hour)
	b := NewSchedule("at", time.Second, func(context.Context, *Schedule) error { return nil })
	b.InitialTime = at
	_, err = s.Register(b)
	require.NoError(t, err)
	assert.Equal(t, at, b.NextRun())
}

func TestFailureIsRecorded(t *testing.T) {
	s, _ := newRegistry(t)
	sch, err := s.Register(NewSchedule("bad", time.Minute, func(context.Context, *Schedule) error {
		return errors.New("nope")
	}))
	require.NoError(t, err)
	s.Poll(time.Now())
	require.Eventually(t, func() bool { return sch.info().Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "nope", sch.info().LastErr)
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newRegistry(t)
	_, err := s.Register(&Schedule{Name: "x"})
	assert.ErrorIs(t, err, ErrNoAction)

	sch := NewSchedule("dup", time.Second, func(context.Context, *Schedule) error { return nil })
	_, err = s.Register(sch)
	require.NoError(t, err)
	_, err = s.Register(sch)
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.True(t, s.Unregister(sch.ID))
	assert.False(t, s.Unregister(sch.ID))
}

func TestAddScheduleParsesSpec(t *testing.T) {
	s, _ := newRegistry(t)
	cronSch, err := s.AddSchedule("nightly", "0 3 * * *", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NotNil(t, cronSch.Cron)

	every, err := s.AddSchedule("tick", "15m", 0, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, every.CurrentFrequency())
	assert.True(t, every.NextRun().After(time.Now().Add(14*time.Minute)))

	_, err = s.AddSchedule("bad", "soon", 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.Len(t, s.Snapshot(), 2)
}

func TestUnknownTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Mars/Olympus"}, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrUnknownTimezone)
}

func TestStaleOneShotRunKeepsNewRegistration(t *testing.T) {
	s, _ := newRegistry(t)
	release := make(chan struct{})
	var runs, finished atomic.Int32
	sch := NewSchedule("sub-job", 0, func(ctx context.Context, _ *Schedule) error {
		defer finished.Add(1)
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	})
	_, err := s.Register(sch)
	require.NoError(t, err)
	require.Equal(t, 1, s.Poll(time.Now()))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// deactivate and reactivate while the first run is still going
	require.True(t, s.Unregister(sch.ID))
	_, err = s.Register(sch)
	require.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool { return finished.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sch.info().Runs == 1 }, time.Second, 5*time.Millisecond)
	_, ok := s.Get(sch.ID)
	assert.True(t, ok, "new registration survives the old run")

	require.Equal(t, 1, s.Poll(time.Now()))
	require.Eventually(t, func() bool { _, ok := s.Get(sch.ID); return !ok }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}
