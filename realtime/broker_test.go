package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/cache"
	"track-record-engine/ledger"
)

func startBroker(t *testing.T) (*Broker, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroker(zerolog.Nop(), nil)
	go b.Run(ctx)
	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return b, srv
}

// subscribe opens a stream and returns a channel of decoded heads.
func subscribe(t *testing.T, url string) <-chan ChainHead {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out := make(chan ChainHead, 10)
	ready := make(chan struct{})
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == ": connected" {
				close(ready)
				continue
			}
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var head ChainHead
			if json.Unmarshal([]byte(data), &head) == nil {
				out <- head
			}
		}
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not connect")
	}
	return out
}

func next(t *testing.T, ch <-chan ChainHead) ChainHead {
	t.Helper()
	select {
	case head := <-ch:
		return head
	case <-time.After(2 * time.Second):
		t.Fatal("no chain head received")
		return ChainHead{}
	}
}

func TestBrokerStreamsHeads(t *testing.T) {
	b, srv := startBroker(t)
	all := subscribe(t, srv.URL)
	only := subscribe(t, srv.URL+"?instanceId=inst-2")

	b.EventAccepted(
		ledger.Event{InstanceID: "inst-1", SeqNo: 3, EventType: ledger.EventTradeClose, EventHash: "aa"},
		ledger.State{Balance: 12, Equity: 12},
	)
	b.Broadcast(ChainHead{InstanceID: "inst-2", SeqNo: 1, EventHash: "bb"})

	first := next(t, all)
	assert.Equal(t, ChainHead{InstanceID: "inst-1", SeqNo: 3, EventType: "TRADE_CLOSE", EventHash: "aa", Balance: 12, Equity: 12}, first)
	assert.Equal(t, "inst-2", next(t, all).InstanceID)

	filtered := next(t, only)
	assert.Equal(t, "bb", filtered.EventHash)
}

func TestBrokerDropsClientThatDisconnectsDuringBroadcast(t *testing.T) {
	b, srv := startBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	stop := make(chan struct{})
	flooding := make(chan struct{})
	go func() {
		defer close(flooding)
		for seq := int64(1); ; seq++ {
			select {
			case <-stop:
				return
			default:
				b.Broadcast(ChainHead{InstanceID: "inst-1", SeqNo: seq})
			}
		}
	}()

	cancel()
	assert.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	close(stop)
	<-flooding
	require.Eventually(t, func() bool { return len(b.broadcast) == 0 }, 2*time.Second, 10*time.Millisecond)

	// the loop keeps serving after the disconnect
	heads := subscribe(t, srv.URL+"?instanceId=inst-9")
	b.Broadcast(ChainHead{InstanceID: "inst-9", SeqNo: 1, EventHash: "cc"})
	assert.Equal(t, "cc", next(t, heads).EventHash)
}

func TestBrokerRejectsStreamsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroker(zerolog.Nop(), nil)
	stopped := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, b.ClientCount())
}

func TestRelayFansOutThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.WrapClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	b, srv := startBroker(t)
	relay := NewRelay(client, "", b, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	stream := subscribe(t, srv.URL)
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	relay.EventAccepted(ledger.Event{InstanceID: "inst-9", SeqNo: 7, EventType: ledger.EventSnapshot, EventHash: "cc"}, ledger.State{})
	head := next(t, stream)
	assert.Equal(t, "inst-9", head.InstanceID)
	assert.Equal(t, int64(7), head.SeqNo)
}

func TestRelayFallsBackToLocalBroadcast(t *testing.T) {
	b, srv := startBroker(t)
	relay := NewRelay(nil, "", b, zerolog.Nop())
	stream := subscribe(t, srv.URL)

	relay.EventAccepted(ledger.Event{InstanceID: "inst-1", SeqNo: 1, EventHash: "dd"}, ledger.State{})
	assert.Equal(t, "dd", next(t, stream).EventHash)
}
