// Package dedupe tracks recently seen keys within a time window so that
// retried bus commands are applied once.
package dedupe
