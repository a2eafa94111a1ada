// Package command defines the privacy command model: the immutable Command
// accepted at ingestion, its kind-tagged payload, and the per-agent
// Destination produced by fan-out.
//
// Kind values are part of the wire format and are never renumbered.
package command
