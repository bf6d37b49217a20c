// Package client provides a Go SDK for Fluxbase deployments.
//
// The client holds one persistent WebSocket link to a deployment and
// multiplexes queries, mutations, actions and live-query subscriptions
// over it. The link reconnects automatically with exponential backoff,
// replaying credentials, subscriptions and queued calls on each fresh
// session.
//
// # Basic Usage
//
//	c, err := client.New("https://deploy.fluxbase.io")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	value, err := c.Query(ctx, "messages:list", map[string]any{
//	    "channel": "general",
//	})
//
// # Live Queries
//
//	sub, err := c.Subscribe("messages:list", nil, func(value json.RawMessage) {
//	    fmt.Printf("update: %s\n", value)
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Cancel()
//
// Two subscriptions to the same function and arguments share one
// server-side channel; each watcher still receives every update.
//
// # Authentication
//
//	handle := c.SetAuthWithRefresh(func(ctx context.Context) (string, error) {
//	    return fetchTokenSomehow(ctx)
//	}, nil)
//	defer handle.Dispose()
//
// The refresh loop reads the token's expiry and fetches a replacement
// ahead of it.
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("https://deploy.fluxbase.io",
//	    client.WithClientID("orders-service"),
//	    client.WithOperationTimeout(10 * time.Second),
//	    client.WithHealthCheckQuery("system:ping"),
//	)
package client
