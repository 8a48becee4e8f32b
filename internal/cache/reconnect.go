package cache

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/skyfeed/aggregator/pkg/config"
)

// ReconnectWithRetry attempts to reconnect to the backing store with
// exponential backoff, giving the cache client resilience against
// temporary outages without the scheduler itself retrying anything.
func ReconnectWithRetry(cfg config.CacheConfig, maxRetries int, initialDelay time.Duration) (*Client, error) {
	delay := initialDelay
	attempt := 0

	for {
		attempt++
		log.Printf("cache connection attempt %d...", attempt)

		client, err := Connect(cfg)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := client.Ping(ctx)
			cancel()

			if pingErr == nil {
				log.Println("✓ cache reconnected successfully")
				return client, nil
			}
			client.Close()
			err = pingErr
		}

		if maxRetries > 0 && attempt >= maxRetries {
			log.Printf("failed to reconnect to cache after %d attempts", attempt)
			return nil, err
		}

		log.Printf("cache connection failed: %v (retry in %v)", err, delay)
		time.Sleep(delay)

		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
}

// HealthCheck reports whether the cache client is reachable and answering
// queries.
func HealthCheck(client *Client) bool {
	if client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		log.Printf("health check failed - ping error: %v", err)
		return false
	}

	var result int
	err := client.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		log.Printf("health check failed - query error: %v", err)
		return false
	}
	if result != 1 {
		log.Printf("health check failed - unexpected result: %d", result)
		return false
	}

	return true
}

// WithRetry executes operation, retrying on connection-shaped errors only.
// Used by callers that want transparent recovery from a transient blip
// without tripping the region scheduler into Degraded.
func WithRetry(operation func() error, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isConnectionError(err) {
			return err
		}

		if attempt < maxRetries {
			waitTime := time.Duration(attempt+1) * time.Second
			log.Printf("cache operation failed (attempt %d/%d): %v (retry in %v)",
				attempt+1, maxRetries+1, err, waitTime)
			time.Sleep(waitTime)
		}
	}

	return lastErr
}

func isConnectionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"broken pipe",
		"no connection",
		"connection reset",
		"eof",
		"timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
