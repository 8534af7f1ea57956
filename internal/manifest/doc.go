// Package manifest parses declarative build descriptions into a validated
// dependency graph of pipelines.
//
// A manifest is an ordered set of named pipelines. Each pipeline declares a
// build reference (the pipeline whose output forms its execution root) and
// an ordered list of stages. Two document schemas are supported: the legacy
// single-pipeline format (version 1) and the pipeline-list format
// (version 2). Both load into the same in-memory model.
//
// Validation rejects unknown build or input references, dependency cycles,
// unknown stage types, and stage options that fail the validation capability
// exposed by the stage's registry descriptor. Validation is all-or-nothing:
// a manifest either resolves to a complete graph with a fingerprint for
// every stage prefix, or fails with an error naming the offending pipeline
// and stage.
//
// Fingerprints are canonical digests over a stage's identity (type, options,
// resolved input content, devices, mounts) chained with the fingerprint of
// the preceding stage and of the build pipeline. Identical manifests always
// produce identical fingerprints, independent of host or load order.
package manifest
