package validation

import (
	"errors"
	"fmt"

	"pixelrelay/internal/logger"
	"pixelrelay/internal/relay"
	"pixelrelay/internal/tracking"
)

var (
	ErrMissingName       = errors.New("event name is required")
	ErrUnknownEvent      = errors.New("not a standard storefront event")
	ErrInvalidTrackingID = errors.New("tracking id is missing or malformed")
	ErrShopMismatch      = errors.New("shop does not match tracking id")
)

type Validator struct {
	logger *logger.Logger
}

func New(logger *logger.Logger) *Validator {
	return &Validator{logger: logger}
}

// ValidateEvent checks a consumed storefront event before it is relayed and
// returns the shop domain the tracking id decodes to.
func (v *Validator) ValidateEvent(e relay.StorefrontEvent) (string, error) {
	if e.Name == "" {
		return "", ErrMissingName
	}
	if !relay.StandardEvents[e.Name] {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, e.Name)
	}

	shop, ok := tracking.ShopDomain(e.TrackingID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTrackingID, e.TrackingID)
	}
	if e.Shop != "" && e.Shop != shop {
		return "", fmt.Errorf("%w: %s != %s", ErrShopMismatch, e.Shop, shop)
	}

	v.logger.Debug("Validated %s for %s", e.Name, shop)
	return shop, nil
}
