package broker

import "errors"

// ErrBrokerUnavailable is returned by Publish when a reconnect-and-retry
// cycle still fails to reach the broker (spec.md §4.1, §7).
var ErrBrokerUnavailable = errors.New("broker: unavailable after reconnect retry")
