// Package transport performs the SDK's network exchanges against the config
// and events APIs and classifies their failures.
//
// A failed exchange yields a RequestError carrying the HTTP status and the
// decoded error body. Status >= 500 marks a server fault and is retryable;
// anything below is a client fault and terminal. Network-level failures
// (connection refused, timeouts) are treated as retryable transport faults.
//
// Config fetches retry internally with exponential backoff (1s start,
// doubling, 10s cap, 5 attempts) before surfacing the last error. Event
// publishing deliberately does not retry here: the event queue keeps failed
// payloads pending and resubmits them on its next flush cycle, which avoids
// hot-looping against a struggling endpoint.
package transport
