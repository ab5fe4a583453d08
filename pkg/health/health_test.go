package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusUpdate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Retries: 3, StartPeriod: 10 * time.Second}

	tests := []struct {
		name        string
		results     []bool
		at          time.Duration
		wantHealthy bool
		wantFails   int
	}{
		{name: "single failure tolerated", results: []bool{false}, at: time.Minute, wantHealthy: true, wantFails: 1},
		{name: "retries exhausted", results: []bool{false, false, false}, at: time.Minute, wantHealthy: false, wantFails: 3},
		{name: "success resets", results: []bool{false, false, false, true}, at: time.Minute, wantHealthy: true, wantFails: 0},
		{name: "start period ignores failures", results: []bool{false, false, false, false}, at: time.Second, wantHealthy: true, wantFails: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStatus(start)
			for _, ok := range tt.results {
				s.Update(Result{Healthy: ok, CheckedAt: start.Add(tt.at)}, cfg)
			}
			assert.Equal(t, tt.wantHealthy, s.Healthy)
			assert.Equal(t, tt.wantFails, s.ConsecutiveFailures)
		})
	}
}

func TestCheckFunc(t *testing.T) {
	r := CheckFunc(func(context.Context) error { return nil }).Check(context.Background())
	assert.True(t, r.Healthy)
	assert.Equal(t, "ok", r.Message)

	r = CheckFunc(func(context.Context) error { return errors.New("no live stream worker") }).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Equal(t, "no live stream worker", r.Message)
}

type report struct {
	name    string
	healthy bool
	message string
}

func TestMonitorReports(t *testing.T) {
	var mu sync.Mutex
	var reports []report
	mon := NewMonitor(Config{Interval: time.Hour, Retries: 2}, func(name string, healthy bool, message string) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, report{name, healthy, message})
	})

	failing := errors.New("worker not running")
	var poolErr error
	mon.Add("pool", CheckFunc(func(context.Context) error { return poolErr }))
	mon.Add("ident", CheckFunc(func(context.Context) error { return failing }))

	mon.RunOnce(context.Background())
	mon.RunOnce(context.Background())

	require.Len(t, reports, 4)
	assert.Equal(t, report{"ident", true, "worker not running"}, reports[0])
	assert.Equal(t, report{"pool", true, "ok"}, reports[1])
	assert.Equal(t, report{"ident", false, "worker not running"}, reports[2])

	s, ok := mon.Status("ident")
	require.True(t, ok)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	_, ok = mon.Status("missing")
	assert.False(t, ok)
}

func TestMonitorCheckTimeout(t *testing.T) {
	mon := NewMonitor(Config{Interval: time.Hour, Timeout: 20 * time.Millisecond, Retries: 1}, nil)
	mon.Add("resolve", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	mon.RunOnce(context.Background())
	s, _ := mon.Status("resolve")
	assert.False(t, s.Healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), s.LastResult.Message)
}

func TestMonitorStartStop(t *testing.T) {
	ran := make(chan struct{}, 1)
	mon := NewMonitor(Config{Interval: time.Hour}, nil)
	mon.Add("pool", CheckFunc(func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}))

	mon.Start()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not run on start")
	}
	mon.Stop()
	mon.Stop()
}
