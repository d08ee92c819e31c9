// Package stage defines the fixed mission pipeline: the eight ordered stage
// identifiers, their lifecycle states, the per-stage status record, and the
// metadata bag attached to each record. Everything here is pure and stateless;
// the lifecycle package owns mutation.
package stage
