// Package build orchestrates the execution of a resolved manifest.
//
// Pipelines run concurrently, each gated on the completion of the
// pipelines it depends on for its build root or inputs. Within a
// pipeline, stages run in order: each stage's fingerprint is first
// resolved against the object store, and the first cache miss forces
// every remaining stage to build. A stage failure fails its pipeline and
// skips every dependent pipeline without ever starting it; pipelines on
// independent paths that are already running finish normally, but nothing
// new is dispatched.
//
// Progress is reported through a Monitor: one event per pipeline and
// stage transition, with fingerprints and cache-hit information, suitable
// for machine consumption (JSON lines) or operator logs.
package build
