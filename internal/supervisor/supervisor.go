package supervisor

import "context"

// Supervisor is implemented by every run strategy.
type Supervisor interface {
	// Start brings the strategy up and returns the bound "<host>:<port>".
	Start(ctx context.Context) (string, error)
	// Stop shuts down and waits for in-flight work. It is idempotent.
	Stop(ctx context.Context) error
	GracefulReload(ctx context.Context) error
	// Done is closed when the strategy finished, on its own or via Stop.
	Done() <-chan struct{}
}

// Personal.AI order the ending
