// Package dispatch executes upstream synthesis with bounded retries across
// the relay pool.
//
// # Algorithm
//
// For attempt = 1..MaxRetries:
//
//  1. Ask the selector for the next relay (direct when none is eligible)
//  2. On the final attempt, if a relay was chosen and direct has not been
//     tried yet, use direct instead
//  3. Call the synthesizer; an empty payload counts as a failure
//  4. Report success or failure for the relay to the selector
//  5. After a failed non-final attempt sleep RetryDelay * attempt
//
// When every attempt fails the caller receives *UpstreamUnavailableError,
// which wraps the last attempt's error.
package dispatch
