package keeper_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/keeper/keepertest"
	errs "github.com/10yihang/pcdsync/pkg/errors"
	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig(url string) *keeper.Config {
	cfg := keeper.DefaultConfig()
	cfg.URL = url
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func setupClient(t *testing.T, mutate func(*keeper.Config)) (*keeper.Client, *keepertest.Server) {
	t.Helper()
	srv := keepertest.NewServer()
	cfg := testConfig(srv.URL())
	if mutate != nil {
		mutate(cfg)
	}
	c := keeper.NewClient(cfg)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return c, srv
}

func u64(v uint64) *uint64 { return &v }

func TestClient_ConnectSubscribesThenRequestsStatus(t *testing.T) {
	c, srv := setupClient(t, nil)
	want := keeper.Status{IsRunning: true, PcdHeight: 100, ChainHeight: 120, BlocksBehind: 20, LastSyncAt: u64(1700000000), TotalSyncs: 4}
	srv.SetStatus(want)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	require.Eventually(t, func() bool { return len(srv.Messages()) >= 2 }, waitFor, tick)
	msgs := srv.Messages()
	assert.Equal(t, "subscribe", msgs[0].Type)
	assert.Equal(t, []string{"all"}, msgs[0].EventTypes())
	assert.Equal(t, "get_status", msgs[1].Type)
	assert.Equal(t, "req-1", msgs[1].RequestID())

	require.Eventually(t, func() bool { return c.Status() != nil }, waitFor, tick)
	assert.Equal(t, &want, c.Status())
	require.Eventually(t, func() bool { return c.SessionID() == "session-1" }, waitFor, tick)
}

func TestClient_SubscribesToConfiguredTypes(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.EventTypes = []keeper.EventType{keeper.EventSyncCompleted, keeper.EventError}
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("subscribe")) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"sync_completed", "error"}, srv.MessagesOfType("subscribe")[0].EventTypes())
}

func TestClient_HandshakeHeader(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.Header = http.Header{"Authorization": []string{"Bearer secret"}}
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "Bearer secret", srv.LastHeader().Get("Authorization"))
}

func TestClient_RequestNotConnected(t *testing.T) {
	c, _ := setupClient(t, nil)

	_, err := c.RequestSync(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	_, err = c.RequestStatus(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	assert.ErrorIs(t, c.Ping(), errs.ErrNotConnected)
}

func TestClient_RequestSync(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetSyncResult(map[string]int{"from": 10}, "")
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.RequestSync(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":10}`, string(data))
	assert.Equal(t, 0, c.PendingRequests())
}

func TestClient_RequestFailed(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetSyncResult(nil, "sync already running")
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.RequestSync(context.Background())
	assert.ErrorIs(t, err, errs.ErrRequestFailed)
	assert.Contains(t, err.Error(), "sync already running")
}

func TestClient_PermutedResponses(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetAutoRespond(false)
	require.NoError(t, c.Connect(context.Background()))

	const n = 16
	type result struct {
		data json.RawMessage
		err  error
	}
	results := make([]result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.RequestSync(context.Background())
			results[i] = result{data, err}
		}(i)
	}

	require.Eventually(t, func() bool { return len(srv.MessagesOfType("request_sync")) == n }, waitFor, tick)
	reqs := srv.MessagesOfType("request_sync")

	// Answer in a scrambled order: odds descending, then evens ascending.
	var order []int
	for i := n - 1; i >= 0; i-- {
		if i%2 == 1 {
			order = append(order, i)
		}
	}
	for i := 0; i < n; i += 2 {
		order = append(order, i)
	}
	for _, i := range order {
		id := reqs[i].RequestID()
		require.NoError(t, srv.Respond(id, true, map[string]string{"echo": id}, ""))
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, r := range results {
		require.NoError(t, r.err)
		var got struct{ Echo string }
		require.NoError(t, json.Unmarshal(r.data, &got))
		assert.False(t, seen[got.Echo], "duplicate response %s", got.Echo)
		seen[got.Echo] = true
	}
	assert.Len(t, seen, n)
	require.Eventually(t, func() bool { return c.PendingRequests() <= 1 }, waitFor, tick)
}

func TestClient_UnknownResponseIsNoop(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.MaxEvents = 5 })
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.Status() != nil }, waitFor, tick)

	require.NoError(t, srv.Respond("req-999", true, map[string]int{"x": 1}, ""))
	require.NoError(t, srv.Respond("req-1", true, map[string]int{"x": 1}, ""))
	require.NoError(t, srv.Push(keeper.EventWarning, keeper.WarningData{Code: "W1", Message: "marker"}))

	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitFor, tick)
	assert.Equal(t, keeper.EventWarning, c.Events()[0].Type)
	assert.Equal(t, 0, c.PendingRequests())
	assert.True(t, c.IsConnected())
}

func TestClient_RequestTimeout(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.StatusTimeout = 50 * time.Millisecond
	})
	srv.SetAutoRespond(false)
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	_, err := c.RequestStatus(context.Background())
	assert.ErrorIs(t, err, errs.ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return c.PendingRequests() == 0 }, waitFor, tick)

	// A late answer for the expired id is dropped.
	reqs := srv.MessagesOfType("get_status")
	require.NotEmpty(t, reqs)
	late := keeper.Status{PcdHeight: 999}
	require.NoError(t, srv.Respond(reqs[len(reqs)-1].RequestID(), true, late, ""))
	require.NoError(t, srv.Push(keeper.EventWarning, keeper.WarningData{Message: "marker"}))
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitFor, tick)

	assert.Nil(t, c.Status())
	assert.Equal(t, 0, c.PendingRequests())
}

func TestClient_RequestContextCanceled(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetAutoRespond(false)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.PendingRequests() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.RequestSync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Only the initial status request remains.
	assert.Equal(t, 1, c.PendingRequests())
}

func TestClient_EventHistoryKeepsMostRecent(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.MaxEvents = 3 })
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))

	for h := uint64(1); h <= 5; h++ {
		require.NoError(t, srv.Push(keeper.EventSyncStarted, keeper.SyncStartedData{FromHeight: h, ToHeight: h + 1}))
	}

	require.Eventually(t, func() bool {
		ev := c.Events()
		if len(ev) != 3 {
			return false
		}
		var d keeper.SyncStartedData
		return ev[0].Decode(&d) == nil && d.FromHeight == 5
	}, waitFor, tick)

	var heights []uint64
	for _, ev := range c.Events() {
		var d keeper.SyncStartedData
		require.NoError(t, ev.Decode(&d))
		heights = append(heights, d.FromHeight)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, []uint64{5, 4, 3}, heights)

	c.ClearEvents()
	assert.Empty(t, c.Events())
}

func TestClient_EventFilter(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.EventTypes = []keeper.EventType{keeper.EventSyncCompleted}
	})
	require.NoError(t, c.Connect(context.Background()))

	var got []keeper.EventType
	var mu sync.Mutex
	c.OnEvent(func(ev keeper.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	require.NoError(t, srv.Push(keeper.EventWarning, keeper.WarningData{Message: "ignored"}))
	require.NoError(t, srv.Push(keeper.EventSyncCompleted, keeper.SyncCompletedData{NewHeight: 10, Success: true}))

	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitFor, tick)
	assert.Equal(t, keeper.EventSyncCompleted, c.Events()[0].Type)
	mu.Lock()
	assert.Equal(t, []keeper.EventType{keeper.EventSyncCompleted}, got)
	mu.Unlock()
}

func TestClient_EventCaches(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetGreeting(false)

	var mu sync.Mutex
	var statuses []*keeper.Status
	var errList []error
	c.OnStatus(func(st *keeper.Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})
	c.OnError(func(err error) {
		mu.Lock()
		errList = append(errList, err)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.Status() != nil }, waitFor, tick)

	st := keeper.Status{IsRunning: true, PcdHeight: 50, ChainHeight: 60, BlocksBehind: 10, CurrentEpoch: u64(3)}
	require.NoError(t, srv.Push(keeper.EventStatusUpdate, keeper.StatusUpdateData{Status: st}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, waitFor, tick)
	assert.Equal(t, &st, c.Status())
	mu.Lock()
	assert.Equal(t, &st, statuses[1])
	mu.Unlock()

	summary := keeper.ConfigSummary{MinBlocksBehind: 5, MaxBlocksBehind: 100, PollIntervalSecs: 30, EpochStrategy: "Immediate"}
	require.NoError(t, srv.Push(keeper.EventKeeperStarted, keeper.KeeperStartedData{ConfigSummary: summary}))
	require.Eventually(t, func() bool { return c.ConfigSummary() != nil }, waitFor, tick)
	assert.Equal(t, &summary, c.ConfigSummary())

	require.NoError(t, srv.Push(keeper.EventKeeperStopped, keeper.KeeperStoppedData{Reason: "shutdown"}))
	require.Eventually(t, func() bool { return c.Status() == nil }, waitFor, tick)

	require.NoError(t, srv.Push(keeper.EventError, keeper.ErrorData{Code: "E_RPC", Message: "lightwalletd unreachable", Recoverable: true}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errList) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	var kerr *keeper.KeeperError
	require.ErrorAs(t, errList[0], &kerr)
	assert.Equal(t, "E_RPC", kerr.Code)
	assert.True(t, kerr.Recoverable)
	assert.Contains(t, c.LastError().Error(), "lightwalletd unreachable")
	assert.Nil(t, statuses[len(statuses)-1])
}

func TestClient_UnknownEventTypeDispatched(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, srv.Push("gas_report", map[string]int{"spent": 7}))
	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitFor, tick)
	assert.Equal(t, keeper.EventType("gas_report"), c.Events()[0].Type)
}

func TestClient_MalformedFrameDropped(t *testing.T) {
	hook := logTest.NewGlobal()
	defer hook.Reset()

	c, srv := setupClient(t, nil)
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, srv.PushRaw([]byte("not json")))
	require.NoError(t, srv.PushRaw([]byte(`{"data":{}}`)))
	require.NoError(t, srv.PushRaw([]byte(`{"type":"status_update","data":{"status":"bad"}}`)))
	require.NoError(t, srv.PushRaw([]byte(`{"type":"response","data":{"success":true}}`)))
	require.NoError(t, srv.Push(keeper.EventWarning, keeper.WarningData{Message: "still alive"}))

	require.Eventually(t, func() bool { return len(c.Events()) == 1 }, waitFor, tick)
	assert.Equal(t, keeper.EventWarning, c.Events()[0].Type)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, srv.Handshakes())

	var dropped int
	for _, e := range hook.AllEntries() {
		if e.Message == "Dropping malformed frame" {
			dropped++
		}
	}
	assert.Equal(t, 4, dropped)
}

func TestClient_ReconnectAttemptsExhausted(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.MaxReconnectAttempts = 2 })

	var mu sync.Mutex
	var states []keeper.ConnState
	c.OnStateChange(func(s keeper.ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	errCh := make(chan error, 16)
	c.OnError(func(err error) { errCh <- err })

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, srv.Handshakes())

	srv.Refuse(http.StatusServiceUnavailable)
	srv.DropConnections()

	require.Eventually(t, func() bool {
		return srv.Handshakes() == 3 && c.State() == keeper.StateDisconnected
	}, waitFor, tick)
	assert.Equal(t, 2, c.ReconnectAttempts())

	// No further attempts once the budget is spent.
	time.Sleep(10 * testConfig("").ReconnectInterval)
	assert.Equal(t, 3, srv.Handshakes())
	assert.Equal(t, keeper.StateDisconnected, c.State())
	assert.ErrorIs(t, c.LastError(), errs.ErrConnection)

	mu.Lock()
	assert.Contains(t, states, keeper.StateReconnecting)
	assert.Equal(t, keeper.StateDisconnected, states[len(states)-1])
	mu.Unlock()

	var connErrs int
	for len(errCh) > 0 {
		assert.ErrorIs(t, <-errCh, errs.ErrConnection)
		connErrs++
	}
	// drop, two failed dials, exhaustion
	assert.Equal(t, 4, connErrs)

	// A manual connect starts over.
	srv.Refuse(0)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestClient_ReconnectRecovers(t *testing.T) {
	c, srv := setupClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("subscribe")) == 1 }, waitFor, tick)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return c.IsConnected() && len(srv.MessagesOfType("subscribe")) == 2
	}, waitFor, tick)
	assert.Equal(t, 2, srv.Handshakes())
	assert.Equal(t, 0, c.ReconnectAttempts())
	require.Eventually(t, func() bool { return c.SessionID() == "session-2" }, waitFor, tick)
}

func TestClient_ServerCloseTriggersReconnect(t *testing.T) {
	c, srv := setupClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))

	srv.CloseConnections(1001, "going away")

	require.Eventually(t, func() bool { return srv.Handshakes() == 2 && c.IsConnected() }, waitFor, tick)
}

func TestClient_AbnormalCloseRejectsPending(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.SyncTimeout = 10 * time.Second
		cfg.MaxReconnectAttempts = keeper.NoReconnect
	})
	srv.SetAutoRespond(false)
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestSync(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("request_sync")) == 1 }, waitFor, tick)

	srv.DropConnections()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrConnection)
	case <-time.After(waitFor):
		t.Fatal("pending request was not rejected on connection loss")
	}
	assert.Equal(t, 0, c.PendingRequests())
	require.Eventually(t, func() bool { return c.State() == keeper.StateDisconnected }, waitFor, tick)
}

func TestClient_DisconnectLeavesPendingToTimeout(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) {
		cfg.SyncTimeout = 150 * time.Millisecond
		cfg.StatusTimeout = 150 * time.Millisecond
	})
	srv.SetAutoRespond(false)
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestSync(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("request_sync")) == 1 }, waitFor, tick)

	c.Disconnect()
	assert.Equal(t, keeper.StateDisconnected, c.State())
	assert.GreaterOrEqual(t, c.PendingRequests(), 1)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrRequestTimeout)
	case <-time.After(waitFor):
		t.Fatal("pending request did not time out")
	}

	require.Eventually(t, func() bool { return len(srv.CloseCodes()) == 1 }, waitFor, tick)
	assert.Equal(t, []int{1000}, srv.CloseCodes())

	time.Sleep(5 * testConfig("").ReconnectInterval)
	assert.Equal(t, 1, srv.Handshakes())
	assert.Equal(t, keeper.StateDisconnected, c.State())
}

func TestClient_DisconnectCancelsReconnect(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.ReconnectInterval = 100 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	srv.DropConnections()
	require.Eventually(t, func() bool { return c.State() == keeper.StateReconnecting }, waitFor, tick)

	c.Disconnect()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, srv.Handshakes())
	assert.Equal(t, keeper.StateDisconnected, c.State())
}

func TestClient_InitialDialFailure(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.MaxReconnectAttempts = 1 })
	srv.Refuse(http.StatusUnauthorized)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, errs.ErrConnection)
	require.Eventually(t, func() bool {
		return srv.Handshakes() == 2 && c.State() == keeper.StateDisconnected
	}, waitFor, tick)
}

func TestClient_StatusPolling(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.PollInterval = 20 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(srv.MessagesOfType("get_status")) >= 4 }, waitFor, tick)

	c.Disconnect()
	time.Sleep(50 * time.Millisecond)
	n := len(srv.MessagesOfType("get_status"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(srv.MessagesOfType("get_status")))
}

func TestClient_PingAndUnsubscribe(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.PingInterval = 20 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(srv.MessagesOfType("ping")) >= 2 }, waitFor, tick)

	require.NoError(t, c.Unsubscribe(keeper.EventWarning, keeper.EventEpochBoundary))
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("unsubscribe")) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"warning", "epoch_boundary"}, srv.MessagesOfType("unsubscribe")[0].EventTypes())
}

func TestClient_ObserverUnsubscribe(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetGreeting(false)
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var a, b int
	unsubA := c.OnEvent(func(keeper.Event) { mu.Lock(); a++; mu.Unlock() })
	c.OnEvent(func(keeper.Event) { mu.Lock(); b++; mu.Unlock() })
	unsubA()
	unsubA()

	require.NoError(t, srv.Push(keeper.EventEpochBoundary, keeper.EpochBoundaryData{OldEpoch: 1, NewEpoch: 2}))
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return b == 1 }, waitFor, tick)
	mu.Lock()
	assert.Equal(t, 0, a)
	mu.Unlock()
}

func TestClient_IndependentInstances(t *testing.T) {
	c1, srv1 := setupClient(t, nil)
	c2, _ := setupClient(t, nil)
	srv1.SetGreeting(false)
	require.NoError(t, c1.Connect(context.Background()))
	require.NoError(t, c2.Connect(context.Background()))

	st := keeper.Status{PcdHeight: 77}
	require.NoError(t, srv1.Push(keeper.EventStatusUpdate, keeper.StatusUpdateData{Status: st}))
	require.Eventually(t, func() bool { s := c1.Status(); return s != nil && s.PcdHeight == 77 }, waitFor, tick)

	if s := c2.Status(); s != nil {
		assert.NotEqual(t, uint64(77), s.PcdHeight)
	}
}

func TestClient_Close(t *testing.T) {
	c, srv := setupClient(t, nil)
	srv.SetAutoRespond(false)
	require.NoError(t, c.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestSync(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(srv.MessagesOfType("request_sync")) == 1 }, waitFor, tick)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("pending request not released by Close")
	}
	assert.ErrorIs(t, c.Connect(context.Background()), errs.ErrClosed)
	require.NoError(t, c.Close())
}

func TestClient_CloseFromEventObserver(t *testing.T) {
	c, srv := setupClient(t, nil)

	closed := make(chan error, 1)
	c.OnEvent(func(ev keeper.Event) {
		if ev.Type == keeper.EventWarning {
			closed <- c.Close()
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, srv.Push(keeper.EventWarning, keeper.WarningData{Code: "W1", Message: "shutting down"}))

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close inside an event observer did not return")
	}
	assert.Equal(t, keeper.StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), errs.ErrClosed)
	// A second Close from outside waits for the read goroutine to finish.
	require.NoError(t, c.Close())
}

func TestClient_CloseFromStateObserver(t *testing.T) {
	c, srv := setupClient(t, nil)

	closed := make(chan struct{})
	var once sync.Once
	c.OnStateChange(func(s keeper.ConnState) {
		if s == keeper.StateReconnecting {
			once.Do(func() {
				c.Close()
				close(closed)
			})
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	srv.DropConnections()

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close inside a state observer did not return")
	}
	time.Sleep(5 * testConfig("").ReconnectInterval)
	assert.Equal(t, 1, srv.Handshakes())
}

func TestClient_DisconnectFromEventObserver(t *testing.T) {
	c, srv := setupClient(t, nil)

	c.OnEvent(func(ev keeper.Event) {
		if ev.Type == keeper.EventKeeperStopped {
			c.Disconnect()
		}
	})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, srv.Push(keeper.EventKeeperStopped, keeper.KeeperStoppedData{Reason: "maintenance"}))

	require.Eventually(t, func() bool { return c.State() == keeper.StateDisconnected }, waitFor, tick)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestNewClient_CopiesConfig(t *testing.T) {
	cfg := &keeper.Config{URL: "ws://127.0.0.1:1", EventTypes: []keeper.EventType{keeper.EventError}}
	c := keeper.NewClient(cfg)
	defer c.Close()

	assert.Equal(t, &keeper.Config{URL: "ws://127.0.0.1:1", EventTypes: []keeper.EventType{keeper.EventError}}, cfg)
}

func TestNewClient_ZeroReconnectAttemptsUsesDefault(t *testing.T) {
	srv := keepertest.NewServer()
	defer srv.Close()
	c := keeper.NewClient(&keeper.Config{URL: srv.URL(), ReconnectInterval: 5 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	srv.Refuse(http.StatusServiceUnavailable)
	srv.DropConnections()

	want := keeper.DefaultConfig().MaxReconnectAttempts
	require.Eventually(t, func() bool {
		return c.State() == keeper.StateDisconnected && c.ReconnectAttempts() == want
	}, waitFor, tick)
	assert.Equal(t, want+1, srv.Handshakes())
}

func TestClient_NoReconnect(t *testing.T) {
	c, srv := setupClient(t, func(cfg *keeper.Config) { cfg.MaxReconnectAttempts = keeper.NoReconnect })
	require.NoError(t, c.Connect(context.Background()))
	srv.DropConnections()

	require.Eventually(t, func() bool { return c.State() == keeper.StateDisconnected }, waitFor, tick)
	time.Sleep(5 * testConfig("").ReconnectInterval)
	assert.Equal(t, 1, srv.Handshakes())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func ExampleClient() {
	srv := keepertest.NewServer()
	defer srv.Close()
	srv.SetStatus(keeper.Status{IsRunning: true, PcdHeight: 10, ChainHeight: 12, BlocksBehind: 2})

	cfg := keeper.DefaultConfig()
	cfg.URL = srv.URL()
	c := keeper.NewClient(cfg)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		fmt.Println(err)
		return
	}
	st, err := c.RequestStatus(context.Background())
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(st.BlocksBehind)
	// Output: 2
}
