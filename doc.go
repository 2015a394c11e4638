// Package isolate implements the isolate subsystem of a managed language
// runtime: isolated units of execution that share nothing, and communicate
// only by posting messages to ports.
//
// # Architecture
//
// A [Runtime] owns the shared infrastructure:
//   - [PortRegistry] maps each [Port] to the [MessageHandler] that owns it.
//     Posting to a closed port silently drops the message, after redirecting
//     it to its delivery failure port, if any.
//   - [MessageHandler] is an isolate's mailbox, with a Normal and an OOB
//     (out of band) lane. It runs on a [ThreadPool] only while it has work.
//   - [Registry] is the set of live isolates.
//   - [Poller] waits for readiness of file descriptors and a single OS
//     timer on a dedicated thread, posting notifications to ports.
//
// An [Isolate] owns a heap and a handler, and is run by at most one
// goroutine at a time, its mutator. Isolates are spawned either from a
// function of the spawner's program ([Isolate.Spawn]) or from a script URL
// ([Isolate.SpawnURI]), and are controlled through their control port using
// unguessable [Capability] tokens, see [Controller].
//
// # Messages
//
// Message payloads are canonical CBOR, see [Serialize]. Isolates of the same
// origin may exchange arbitrary object graphs ([SerializeAny]); otherwise
// only transferable values are accepted.
//
// OOB messages are handled ahead of every Normal message, including while
// the isolate is paused, and interrupt a running isolate at its next
// [Isolate.CheckInterrupts].
//
// # Errors
//
// An error escaping a message listener becomes the isolate's sticky error,
// terminating it unless errors were made non-fatal. Capability mismatches
// are silently ignored. See [ExitCode] for the process exit status of the
// main isolate.
package isolate
