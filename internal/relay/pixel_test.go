package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelrelay/internal/metrics"
	"pixelrelay/internal/tracking"
)

// stubCollector counts POSTs and keeps every decoded body.
type stubCollector struct {
	*httptest.Server
	calls atomic.Int32

	mu     sync.Mutex
	bodies []map[string]interface{}
	types  []string
}

func newStubCollector(t *testing.T) *stubCollector {
	t.Helper()
	c := &stubCollector{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)

		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.types = append(c.types, r.Header.Get("Content-Type"))
		c.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *stubCollector) received() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.bodies...)
}

const shop = "example.myshopify.com"

func scriptURL() string {
	return tracking.ScriptURL("https://relay.example.com", shop)
}

func TestNew_RequiresTrackingID(t *testing.T) {
	_, err := New(Options{ScriptURL: "https://relay.example.com/pixel.js", CollectorURL: "http://collector"})
	assert.ErrorIs(t, err, ErrUnresolvedTrackingID)

	_, err = New(Options{CollectorURL: "http://collector"})
	assert.ErrorIs(t, err, ErrUnresolvedTrackingID)
}

func TestNew_TrackingIDFallbackFromOptions(t *testing.T) {
	collector := newStubCollector(t)
	p, err := New(Options{TrackingID: tracking.ID(shop), CollectorURL: collector.URL})
	require.NoError(t, err)

	p.Track(Event{Name: "page_viewed", Data: map[string]interface{}{}})
	p.Close()

	bodies := collector.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, tracking.ID(shop), bodies[0]["trackid"])
}

func TestSubscribe_OnePostPerEvent(t *testing.T) {
	collector := newStubCollector(t)
	bridge := NewLocalBridge()

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: collector.URL})
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(bridge))

	names := []string{"page_viewed", "product_viewed", "product_viewed", "checkout_started", "checkout_completed"}
	for _, name := range names {
		bridge.Emit(Event{Name: name, Data: map[string]interface{}{"n": name}})
	}
	// not a standard event, never reaches all_standard_events subscribers
	bridge.Emit(Event{Name: "custom_event"})
	p.Close()

	assert.Equal(t, int32(len(names)), collector.calls.Load())
	for _, ct := range collector.types {
		assert.Equal(t, "application/json", ct)
	}
}

func TestSubscribe_OnlyOnce(t *testing.T) {
	collector := newStubCollector(t)
	bridge := NewLocalBridge()

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: collector.URL})
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(bridge))
	assert.ErrorIs(t, p.Subscribe(bridge), ErrAlreadySubscribed)

	bridge.Emit(Event{Name: "cart_viewed"})
	p.Close()

	assert.Equal(t, int32(1), collector.calls.Load())
}

func TestEnvelope_TimestampAtSendTime(t *testing.T) {
	collector := newStubCollector(t)
	bridge := NewLocalBridge()

	sendTime := time.UnixMilli(1700000000000)
	p, err := New(Options{
		ScriptURL:    scriptURL(),
		CollectorURL: collector.URL,
		Now:          func() time.Time { return sendTime },
	})
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(bridge))

	bridge.Emit(Event{
		Name:      "checkout_completed",
		Data:      map[string]interface{}{"order_id": 123},
		Timestamp: sendTime.Add(-5 * time.Minute),
	})
	p.Close()

	bodies := collector.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, map[string]interface{}{
		"event":     "checkout_completed",
		"data":      map[string]interface{}{"order_id": float64(123)},
		"trackid":   "spfy-ZXhhbXBsZS5teXNob3BpZnkuY29t",
		"timestamp": float64(1700000000000),
	}, bodies[0])
}

func TestEnvelope_ShopDomainWhenKnown(t *testing.T) {
	collector := newStubCollector(t)

	p, err := New(Options{ScriptURL: scriptURL(), ShopDomain: shop, CollectorURL: collector.URL})
	require.NoError(t, err)
	p.Push(Command{Verb: VerbTrackPageView})
	p.Close()

	bodies := collector.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, "page_viewed", bodies[0]["event"])
	assert.Equal(t, shop, bodies[0]["shop_domain"])
}

func TestEnvelope_NilDataIsEmptyObject(t *testing.T) {
	collector := newStubCollector(t)

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: collector.URL})
	require.NoError(t, err)
	p.Track(Event{Name: "checkout_started"})
	p.Close()

	bodies := collector.received()
	require.Len(t, bodies, 1)
	data, ok := bodies[0]["data"].(map[string]interface{})
	require.True(t, ok, "data should be a JSON object, got %v", bodies[0]["data"])
	assert.Empty(t, data)
}

func TestCommands_SetTrackerRedirects(t *testing.T) {
	first := newStubCollector(t)
	second := newStubCollector(t)

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: first.URL})
	require.NoError(t, err)

	p.Track(Event{Name: "page_viewed"})
	p.Push(Command{Verb: VerbSetTrackerURL, Args: []interface{}{second.URL}})
	p.Push(Command{Verb: VerbSetTrackerID, Args: []interface{}{"spfy-b3RoZXIuZXhhbXBsZQ"}})
	p.Track(Event{Name: "page_viewed"})
	p.Close()

	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
	assert.Equal(t, "spfy-b3RoZXIuZXhhbXBsZQ", second.received()[0]["trackid"])
}

func TestUnreachableCollector_DoesNotPropagate(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	before := testutil.ToFloat64(metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeError))

	bridge := NewLocalBridge()
	p, err := New(Options{
		ScriptURL:    scriptURL(),
		CollectorURL: url,
		HTTPClient:   &http.Client{Timeout: time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(bridge))

	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			bridge.Emit(Event{Name: "product_viewed"})
		}
		p.Close()
	})

	after := testutil.ToFloat64(metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeError))
	assert.Equal(t, float64(3), after-before)
}

func TestMalformedCommands_AreSwallowed(t *testing.T) {
	collector := newStubCollector(t)

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: collector.URL})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		p.Push(Command{Verb: VerbTrack})
		p.Push(Command{Verb: VerbTrack, Args: []interface{}{"not an event"}})
		p.Push(Command{Verb: "explode"})
		p.Track(Event{Name: "page_viewed", Data: map[string]interface{}{"bad": func() {}}})
		p.Track(Event{Name: "cart_viewed"})
		p.Close()
	})

	// the unencodable event is dropped, the next one still goes out
	assert.Equal(t, int32(1), collector.calls.Load())
}

func TestPush_AfterCloseIsDropped(t *testing.T) {
	collector := newStubCollector(t)

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: collector.URL})
	require.NoError(t, err)
	p.Close()
	p.Close()

	assert.False(t, p.Track(Event{Name: "page_viewed"}))
	assert.Equal(t, int32(0), collector.calls.Load())
}

func TestPush_FullQueueDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer blocking.Close()

	p, err := New(Options{ScriptURL: scriptURL(), CollectorURL: blocking.URL, QueueSize: 1})
	require.NoError(t, err)

	done := make(chan int)
	go func() {
		accepted := 0
		for i := 0; i < 10; i++ {
			if p.Track(Event{Name: "page_viewed"}) {
				accepted++
			}
		}
		done <- accepted
	}()

	select {
	case accepted := <-done:
		assert.Less(t, accepted, 10)
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked on a full queue")
	}

	close(release)
	p.Close()
}
