// Package flagkit is a client SDK for remote feature flags and
// experimentation. It fetches the bucketed configuration for a user, exposes
// typed live variable handles, and reports evaluation and custom events back
// to the service in batches.
//
// Key Features:
//
//   - Single-flight config fetching: concurrent identify/reset/refetch calls
//     collapse into one request, the latest user wins, and every caller
//     receives the outcome
//   - Persistent per-user config cache with TTL expiry, used as a fallback
//     when the network is unavailable
//   - Live variable handles that update in place when a new config arrives
//     and degrade to their defaults on type mismatch
//   - Batched event reporting with aggregation, retry, and a final drain on
//     close
//
// Basic Usage:
//
//	client, err := flagkit.NewClient(sdkKey, flagkit.User{UserID: "user-123"},
//		flagkit.WithFlushInterval(30*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	if _, err := client.Initialized().AwaitWithTimeout(5 * time.Second); err != nil {
//		log.Printf("serving cached or default values: %v", err)
//	}
//
//	showBanner, err := client.Variable("show-banner", false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if showBanner.BoolValue() {
//		// render the banner
//	}
//
// Switching Users:
//
//	variables, err := client.IdentifyUser(ctx, flagkit.User{UserID: "user-456"}, nil).Await()
//
// Identifying with an empty UserID creates an anonymous user whose generated
// id persists across restarts. ResetUser discards the identity and starts a
// fresh anonymous one.
//
// Tracking Events:
//
//	client.Track(flagkit.Event{Type: "checkout", Value: 49.99})
//	client.FlushEvents(ctx, nil)
//
// Every config-changing operation accepts an optional callback and returns a
// Future resolving to the same outcome, so both callback and await styles
// work against one API.
package flagkit
