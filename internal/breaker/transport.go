package breaker

import (
	"context"
	"fmt"

	"github.com/Wandeon/fleet-sub000/internal/device"
	"github.com/Wandeon/fleet-sub000/internal/transport"
)

// Transport gates a device transport with a Breaker.
type Transport struct {
	breaker *Breaker
	next    transport.Transport
}

// Wrap returns next gated by b.
func Wrap(b *Breaker, next transport.Transport) *Transport {
	return &Transport{breaker: b, next: next}
}

// Call short-circuits with ErrCircuitOpen when the device's circuit is open,
// otherwise calls through and records the outcome. Request errors never
// reached the device and are not recorded.
func (t *Transport) Call(ctx context.Context, dev *device.Device, req transport.RequestDefinition) (*transport.Response, error) {
	trial, err := t.breaker.Allow(dev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, dev.ID)
	}

	resp, err := t.next.Call(ctx, dev, req)
	if transport.IsRequestError(err) {
		t.breaker.Release(dev.ID, trial)
		return resp, err
	}
	t.breaker.Record(dev.ID, trial, err)
	return resp, err
}
