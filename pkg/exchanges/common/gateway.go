package common

import "context"

// Broker is one configured connection to a trading venue. Capability methods
// a venue does not offer return *UnsupportedOperationError.
type Broker interface {
	InstanceID() string
	// Name and Display come from the broker's registry metadata.
	Name() string
	Display() string
	HasToken(token string) bool

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Ping(ctx context.Context) (bool, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)
	Order(ctx context.Context, orderID string) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]Position, error)
	Cash(ctx context.Context) (Cash, error)
	Quote(ctx context.Context, contract Contract) (Quote, error)
	MarketStatus(ctx context.Context) (MarketStatusMap, error)
}
