package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversToSubscribers(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Emit(New(InstanceState, "p1").With("status", "running"))

	select {
	case event := <-sub.C:
		assert.Equal(t, InstanceState, event.Type)
		assert.Equal(t, "p1", event.ProjectID)
		assert.Equal(t, "running", event.Data["status"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_HistoryIsBounded(t *testing.T) {
	bus := NewBus(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		bus.Emit(New(ProjectAdded, id))
	}

	history := bus.History()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].ProjectID)
	assert.Equal(t, "e", history[2].ProjectID)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Emit(New(InstanceState, "p"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()

	bus.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())

	// Closing a subscription after the bus is closed is safe
	sub.Close()
	bus.Emit(New(ProjectAdded, "late"))
	assert.Empty(t, bus.History())
}

func TestBus_UnsubscribeRemoves(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.Subscribers())
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	sub.Close()
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(New(ProjectAdded, "x")) })
}

func TestBus_ServeHTTPStreams(t *testing.T) {
	bus := NewBus(10)
	bus.Emit(New(ProjectAdded, "before"))

	srv := httptest.NewServer(bus)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?replay=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	bus.Emit(New(InstanceState, "after"))

	var got []Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(got) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		got = append(got, event)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "before", got[0].ProjectID)
	assert.Equal(t, "after", got[1].ProjectID)
}
