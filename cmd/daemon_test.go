//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nurture-cli/internal/config"
	"github.com/sells-group/nurture-cli/internal/model"
)

func TestJob_RunSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	j := newJob("send", func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return nil, nil
	})

	require.True(t, j.Trigger(context.Background()))
	assert.False(t, j.Run(context.Background()))
	assert.False(t, j.Trigger(context.Background()))
	assert.True(t, j.Status().Running)

	close(release)
	require.Eventually(t, func() bool { return !j.Status().Running }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestJob_RecordsLastError(t *testing.T) {
	j := newJob("campaign", func(context.Context) (any, error) {
		return nil, eris.New("gateway down")
	})

	assert.True(t, j.Run(context.Background()))

	st := j.Status()
	assert.False(t, st.Running)
	require.NotNil(t, st.Last)
	assert.Equal(t, "gateway down", st.Last.Error)
	assert.False(t, st.Last.FinishedAt.Before(st.Last.StartedAt))
}

func TestEvery_RunsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		every(ctx, time.Hour, func(context.Context) { calls.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("every did not stop after cancellation")
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), config.ModeImport)
	require.NoError(t, err)
	defer env.Close()

	c := *cfg
	c.Send.IntervalMins = 0
	c.Send.CampaignIntervalMins = 0
	sched := newScheduler(env, &c)
	sched.pruneEvery = 0

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_PruneJob(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), config.ModeImport)
	require.NoError(t, err)
	defer env.Close()

	ctx := context.Background()
	seedLead(t, env.Store, "lead-1", model.StatusRunning, "")
	now := time.Now().UTC()
	require.NoError(t, env.Store.RecordSend(ctx, model.SendRecord{
		ID: "old", LeadID: "lead-1", Email: "lead-1@example.com", MailIndex: 1, SentAt: now.AddDate(0, 0, -45),
	}))
	require.NoError(t, env.Store.RecordSend(ctx, model.SendRecord{
		ID: "new", LeadID: "lead-1", Email: "lead-1@example.com", MailIndex: 2, SentAt: now.AddDate(0, 0, -2),
	}))

	sched := newScheduler(env, cfg)
	require.True(t, sched.prune.Run(ctx))
	assert.Empty(t, sched.prune.Status().Last.Error)

	recs, err := env.Store.ListSends(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].ID)
}

func TestPruneSends_DisabledWithoutRetention(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), config.ModeImport)
	require.NoError(t, err)
	defer env.Close()

	n, err := pruneSends(context.Background(), env, 0, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestStartServer_GracefulShutdown(t *testing.T) {
	useTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	router := buildRouter(ctx, nil, testScheduler(), config.ServerConfig{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- startServer(ctx, router, port)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 2*time.Second, 10*time.Millisecond, "server did not become ready in time")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
