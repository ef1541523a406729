package relay

import "time"

// AllStandardEvents is the bridge stream carrying every standard storefront event.
const AllStandardEvents = "all_standard_events"

// StandardEvents lists the event names the storefront analytics API emits on
// AllStandardEvents.
var StandardEvents = map[string]bool{
	"page_viewed":                      true,
	"product_viewed":                   true,
	"collection_viewed":                true,
	"search_submitted":                 true,
	"cart_viewed":                      true,
	"product_added_to_cart":            true,
	"product_removed_from_cart":        true,
	"checkout_started":                 true,
	"checkout_contact_info_submitted":  true,
	"checkout_address_info_submitted":  true,
	"checkout_shipping_info_submitted": true,
	"payment_info_submitted":           true,
	"checkout_completed":               true,
	"alert_displayed":                  true,
	"ui_extension_errored":             true,
}

// Event is one storefront event as observed on the bridge. Timestamp is when
// it happened and is not forwarded.
type Event struct {
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Envelope is the JSON body posted to the collector, built fresh per event.
type Envelope struct {
	Event      string                 `json:"event"`
	Data       map[string]interface{} `json:"data"`
	TrackID    string                 `json:"trackid"`
	ShopDomain string                 `json:"shop_domain,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// StorefrontEvent is the message the ingress publishes and the worker consumes.
type StorefrontEvent struct {
	TrackingID string                 `json:"tid"`
	Shop       string                 `json:"shop,omitempty"`
	Name       string                 `json:"name"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Event converts the message into the bridge representation.
func (e StorefrontEvent) Event() Event {
	return Event{Name: e.Name, Data: e.Data, Timestamp: e.OccurredAt}
}
