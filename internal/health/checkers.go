package health

import "context"

// Pinger is anything that answers a context-bound ping, such as the
// transcript store's database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a readiness checker that pings a database-backed
// dependency. A nil pinger always passes, so the checker can be registered
// unconditionally even when persistence is not configured.
func Database(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if p == nil {
				return nil
			}
			return p.Ping(ctx)
		},
	}
}
