package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/model"
)

type failing struct{ err error }

func (f failing) PublishPosition(context.Context, model.PositionSnapshot) error { return f.err }
func (f failing) PublishAlert(context.Context, model.LostRecordAlert) error     { return f.err }

func snapshot() model.PositionSnapshot {
	return model.PositionSnapshot{
		Instrument: instrument.BTCUSDSwap,
		USDCents:   -5000,
		ObservedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	latest := NewLatest()
	m := NewMulti(Sink{Name: "latest", Publisher: latest})
	m.Add("broken", failing{err: errors.New("down")})

	err := m.PublishPosition(ctx, snapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: down")

	got, ok := latest.Snapshot()
	require.True(t, ok, "healthy sinks still receive the event")
	assert.Equal(t, int64(-5000), got.USDCents)
}

func TestMulti_NoSinks(t *testing.T) {
	assert.NoError(t, NewMulti().PublishAlert(context.Background(), model.LostRecordAlert{}))
}

func TestLatest_AlertsNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	l := NewLatest()
	_, ok := l.Snapshot()
	assert.False(t, ok)

	for i := 0; i < maxAlerts+5; i++ {
		require.NoError(t, l.PublishAlert(ctx, model.LostRecordAlert{Ref: string(rune('a' + i%26)), Amount: decimal.NewFromInt(int64(i))}))
	}
	alerts := l.Alerts()
	require.Len(t, alerts, maxAlerts)
	assert.True(t, alerts[0].Amount.Equal(decimal.NewFromInt(maxAlerts+4)))
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.PublishPosition(ctx, snapshot()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string                 `json:"type"`
		Data model.PositionSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventPosition, ev.Type)
	assert.Equal(t, int64(-5000), ev.Data.USDCents)
}

func TestWSHub_DropsWhenBacklogged(t *testing.T) {
	hub := NewWSHub() // Run not started, nothing drains the buffer.
	var err error
	for i := 0; i < 300 && err == nil; i++ {
		err = hub.PublishAlert(context.Background(), model.LostRecordAlert{})
	}
	assert.ErrorIs(t, err, ErrHubBacklogged)
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	defer rdb.Close()

	sub := rdb.Subscribe(ctx, PositionChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(rdb)
	require.NoError(t, p.PublishPosition(ctx, snapshot()))

	got, err := p.LatestPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot().USDCents, got.USDCents)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"usd_cents":-5000`)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on position channel")
	}
}
