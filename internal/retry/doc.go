// Package retry provides bounded exponential backoff retry functionality
// for trace delivery.
//
// Every attempt and every backoff wait is bounded, so a retried operation
// never outlives the context it runs under.
//
// # Usage
//
//	attempts, err := retry.Do(ctx, retry.DefaultConfig(),
//	    func(ctx context.Context, attempt int) error {
//	        return deliver(ctx)
//	    },
//	    &retry.Options{ShouldRetry: isTransient},
//	)
//
// # Configuration
//
//	cfg := &retry.Config{
//	    MaxAttempts:    3,
//	    InitialBackoff: 50 * time.Millisecond,
//	    MaxBackoff:     time.Second,
//	    JitterFactor:   0.25,
//	}
package retry
