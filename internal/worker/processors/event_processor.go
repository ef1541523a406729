package processors

import (
	"fmt"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/relay"
	"pixelrelay/internal/worker/processors/validation"
)

// shopPixel is a relay pixel subscribed to its own in-process bridge.
type shopPixel struct {
	pixel  *relay.Pixel
	bridge *relay.LocalBridge
}

// EventProcessor relays consumed storefront events through one pixel per
// tracking id. Pixels are kept in an LRU; an evicted pixel drains in the
// background so a slow collector never holds up other shops.
type EventProcessor struct {
	config     *config.Config
	logger     *logger.Logger
	validator  *validation.Validator
	httpClient *http.Client

	mu     sync.Mutex
	pixels *lru.Cache[string, *shopPixel]

	draining sync.WaitGroup
}

func NewEventProcessor(cfg *config.Config, logger *logger.Logger) (*EventProcessor, error) {
	return NewEventProcessorWithClient(cfg, logger, nil)
}

// NewEventProcessorWithClient uses client for collector POSTs.
func NewEventProcessorWithClient(cfg *config.Config, logger *logger.Logger, client *http.Client) (*EventProcessor, error) {
	ep := &EventProcessor{
		config:     cfg,
		logger:     logger,
		validator:  validation.New(logger),
		httpClient: client,
	}

	cache, err := lru.NewWithEvict[string, *shopPixel](cfg.PixelCacheSize, ep.evicted)
	if err != nil {
		return nil, fmt.Errorf("creating pixel cache: %w", err)
	}
	ep.pixels = cache
	return ep, nil
}

// Process validates e and hands it to the shop's pixel. It returns once the
// event is queued; delivery happens on the pixel's goroutine.
func (ep *EventProcessor) Process(e relay.StorefrontEvent) error {
	shop, err := ep.validator.ValidateEvent(e)
	if err != nil {
		return err
	}

	sp, err := ep.pixelFor(e.TrackingID, shop)
	if err != nil {
		return err
	}

	if n := sp.bridge.Emit(e.Event()); n == 0 {
		return fmt.Errorf("no subscriber for %s", e.Name)
	}
	return nil
}

// Len reports how many pixels are live.
func (ep *EventProcessor) Len() int {
	return ep.pixels.Len()
}

// Close drains and closes every pixel, including ones already evicted.
func (ep *EventProcessor) Close() {
	ep.mu.Lock()
	ep.pixels.Purge()
	ep.mu.Unlock()
	ep.draining.Wait()
}

func (ep *EventProcessor) evicted(tid string, sp *shopPixel) {
	ep.logger.Debug("Closing pixel %s", tid)
	ep.draining.Add(1)
	go func() {
		defer ep.draining.Done()
		sp.pixel.Close()
	}()
}

func (ep *EventProcessor) pixelFor(tid, shop string) (*shopPixel, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if sp, ok := ep.pixels.Get(tid); ok {
		return sp, nil
	}

	pixel, err := relay.New(relay.Options{
		TrackingID:   tid,
		ShopDomain:   shop,
		CollectorURL: ep.config.CollectorURL,
		QueueSize:    ep.config.RelayQueueSize,
		HTTPClient:   ep.httpClient,
		Logger:       ep.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("starting pixel for %s: %w", shop, err)
	}

	bridge := relay.NewLocalBridge()
	if err := pixel.Subscribe(bridge); err != nil {
		pixel.Close()
		return nil, err
	}

	sp := &shopPixel{pixel: pixel, bridge: bridge}
	ep.pixels.Add(tid, sp)
	ep.logger.Info("Started relay pixel for %s (%s)", shop, tid)
	return sp, nil
}
