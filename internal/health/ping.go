package health

import "context"

// HealthPinger is implemented by components with a direct connectivity
// probe (the Postgres store, the redis bus). HealthPing must return nil
// when the component is healthy.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}
