// Package store implements the content-addressed object store that caches
// committed tree snapshots, keyed by stage fingerprint.
//
// Entries are immutable directory trees plus a metadata record. An entry
// becomes visible only through a single atomic rename from a private
// staging directory into the store namespace; a crash before that rename
// leaves nothing observable. Once committed, an entry's tree never changes,
// so callers may hard-link or copy from it without synchronization.
//
// Concurrent builds of the same fingerprint are serialized by the
// reservation discipline: the first caller of Resolve becomes the builder
// and receives a ticket with a private staging tree; later callers block
// until the builder commits or discards, then receive the committed entry
// or contend for a fresh ticket. Fingerprints are independent keys, so no
// global lock is held while building.
//
// A Store is opened once per build invocation and injected into every
// component that needs it.
package store
