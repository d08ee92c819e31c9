// Package lifecycle tracks a mission's progress through the fixed stage
// pipeline. A Store is an immutable snapshot of every stage record; the
// Engine applies guarded start/complete/fail transitions and trusted
// hydration by swapping in a new Store, and records each accepted transition
// on a telemetry queue.
package lifecycle
