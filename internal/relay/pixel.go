// Package relay forwards storefront events to the tracking collector.
//
// A Pixel owns a command queue. Callers push tagged commands (setTrackerUrl,
// setTrackerId, trackPageView, track) and return immediately; a single
// processor goroutine applies them in order and posts one envelope per
// tracked event. Delivery is best effort and at most once: there is no retry,
// batching or dedup, and no failure ever reaches the caller.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pixelrelay/internal/logger"
	"pixelrelay/internal/metrics"
	"pixelrelay/internal/tracking"
)

var (
	// ErrUnresolvedTrackingID is returned when neither the script URL nor the
	// options carry a tracking identifier.
	ErrUnresolvedTrackingID = errors.New("relay: tracking identifier not resolved")
	ErrAlreadySubscribed    = errors.New("relay: pixel already subscribed")
)

type Verb string

const (
	VerbSetTrackerURL Verb = "setTrackerUrl"
	VerbSetTrackerID  Verb = "setTrackerId"
	VerbTrackPageView Verb = "trackPageView"
	VerbTrack         Verb = "track"
)

// Command is one queued instruction for the processor.
type Command struct {
	Verb Verb
	Args []interface{}
}

type Options struct {
	// ScriptURL is the pixel's own src; its tid parameter wins over TrackingID.
	ScriptURL  string
	TrackingID string
	// ShopDomain is attached to envelopes when set.
	ShopDomain   string
	CollectorURL string
	QueueSize    int
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *logger.Logger
}

type Pixel struct {
	logger *logger.Logger
	client *http.Client
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Command
	done   chan struct{}

	subscribeOnce sync.Once

	// owned by the processor goroutine
	trackerURL string
	trackerID  string
	shopDomain string
}

// New resolves the tracking identifier and starts the processor. The tracker
// URL and id are queued as the first two commands.
func New(opts Options) (*Pixel, error) {
	tid := ""
	if opts.ScriptURL != "" {
		tid, _ = tracking.FromScriptURL(opts.ScriptURL)
	}
	if tid == "" {
		tid = opts.TrackingID
	}
	if tid == "" {
		return nil, ErrUnresolvedTrackingID
	}
	if opts.CollectorURL == "" {
		return nil, fmt.Errorf("relay: collector URL is required")
	}

	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	p := &Pixel{
		logger:     log,
		client:     client,
		now:        now,
		queue:      make(chan Command, size+2),
		done:       make(chan struct{}),
		shopDomain: opts.ShopDomain,
	}
	p.queue <- Command{Verb: VerbSetTrackerURL, Args: []interface{}{opts.CollectorURL}}
	p.queue <- Command{Verb: VerbSetTrackerID, Args: []interface{}{tid}}

	go p.run()
	return p, nil
}

// Push enqueues cmd without blocking. It reports false when the command was
// dropped because the queue is full or the pixel is closed.
func (p *Pixel) Push(cmd Command) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.RelayCommandsDropped.Inc()
		return false
	}
	select {
	case p.queue <- cmd:
		return true
	default:
		metrics.RelayCommandsDropped.Inc()
		p.logger.Warn("relay queue full, dropping %s", cmd.Verb)
		return false
	}
}

// Track queues a single event for delivery.
func (p *Pixel) Track(e Event) bool {
	return p.Push(Command{Verb: VerbTrack, Args: []interface{}{e}})
}

// Subscribe attaches the pixel to the bridge's all-standard-events stream.
// A pixel subscribes at most once.
func (p *Pixel) Subscribe(b Bridge) error {
	err := ErrAlreadySubscribed
	p.subscribeOnce.Do(func() {
		b.Subscribe(AllStandardEvents, func(e Event) {
			p.Track(e)
		})
		err = nil
	})
	return err
}

// Close stops accepting commands, drains the queue and waits for the
// processor to finish.
func (p *Pixel) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *Pixel) run() {
	defer close(p.done)
	for cmd := range p.queue {
		p.apply(cmd)
	}
}

func (p *Pixel) apply(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RelayPanics.Inc()
			p.logger.Error("relay: %s panicked: %v", cmd.Verb, r)
		}
	}()

	switch cmd.Verb {
	case VerbSetTrackerURL:
		if s, ok := stringArg(cmd.Args); ok {
			p.trackerURL = s
		}
	case VerbSetTrackerID:
		if s, ok := stringArg(cmd.Args); ok {
			p.trackerID = s
		}
	case VerbTrackPageView:
		data := map[string]interface{}{}
		if len(cmd.Args) > 0 {
			if m, ok := cmd.Args[0].(map[string]interface{}); ok {
				data = m
			}
		}
		p.send(Event{Name: "page_viewed", Data: data})
	case VerbTrack:
		if len(cmd.Args) == 0 {
			p.logger.Warn("relay: track without event")
			return
		}
		e, ok := cmd.Args[0].(Event)
		if !ok {
			p.logger.Warn("relay: track argument is %T, not an event", cmd.Args[0])
			return
		}
		p.send(e)
	default:
		p.logger.Warn("relay: unknown command %q", cmd.Verb)
	}
}

func (p *Pixel) send(e Event) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	env := Envelope{
		Event:      e.Name,
		Data:       data,
		TrackID:    p.trackerID,
		ShopDomain: p.shopDomain,
		Timestamp:  p.now().UnixMilli(),
	}

	body, err := json.Marshal(env)
	if err != nil {
		metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeError).Inc()
		p.logger.Error("relay: failed to encode %s: %v", e.Name, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, p.trackerURL, bytes.NewReader(body))
	if err != nil {
		metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeError).Inc()
		p.logger.Error("relay: failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.RelayDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeError).Inc()
		p.logger.Error("relay: %s delivery failed: %v", e.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeRejected).Inc()
	} else {
		metrics.RelayDeliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		p.logger.Error("relay: %s status %d, failed to read body: %v", e.Name, resp.StatusCode, err)
		return
	}
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		p.logger.Info("relay: %s status %d, non-JSON body %q", e.Name, resp.StatusCode, string(raw))
		return
	}
	p.logger.Info("relay: %s status %d, body %v", e.Name, resp.StatusCode, parsed)
}

func stringArg(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok && s != ""
}
