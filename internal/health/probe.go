// Package health probes workload readiness on the loopback interface.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	probeConnectTimeout = 3 * time.Second
	probeInitialDelay   = 500 * time.Millisecond
	probeMaxDelay       = 5 * time.Second
)

var probeClient = &http.Client{
	Timeout: probeConnectTimeout,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// WaitHTTP polls http://127.0.0.1:<port>/ until the app returns any HTTP
// response. Any status code counts as ready; the only failures are
// connection-level. Returns when ready, when ctx is cancelled, or when the
// overall deadline passes.
func WaitHTTP(ctx context.Context, port int, deadline time.Duration) error {
	return wait(ctx, deadline, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := probeClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
}

// WaitTCP polls until a TCP connect to 127.0.0.1:<port> succeeds. Used for
// compose apps, which expose no single process handle and may not speak
// HTTP on the published port.
func WaitTCP(ctx context.Context, port int, deadline time.Duration) error {
	return wait(ctx, deadline, func() error {
		if !ProbeTCP(port) {
			return fmt.Errorf("port %d not accepting connections", port)
		}
		return nil
	})
}

func wait(ctx context.Context, deadline time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = probeInitialDelay
	b.MaxInterval = probeMaxDelay
	b.MaxElapsedTime = deadline
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// ProbeTCP is a one-shot connect check against the loopback port.
func ProbeTCP(port int) bool {
	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("127.0.0.1:%d", port), probeConnectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
