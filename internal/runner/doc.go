// Package runner drives the execution of a single stage inside its
// sandbox.
//
// A stage is an independent executable. It receives one JSON document on
// stdin describing the tree it may mutate, its resolved inputs, devices,
// mounts, and validated options; it reports back over a Unix socketpair
// passed as file descriptor 3 using newline-delimited JSON messages. Exit
// code zero with no reported error is success; anything else is failure,
// carrying the captured output and any structured error payload.
//
// The API channel also serves requests the sandbox cannot satisfy itself:
// a stage may ask the runner to attach a loopback device on the host and
// gets back the device path to expose inside.
package runner
