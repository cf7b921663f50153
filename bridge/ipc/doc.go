/*
Package ipc provides a client for a media player's line-delimited JSON control protocol, spoken over a Unix domain socket.

The protocol has no framing beyond newlines. Every message in either direction is one JSON value followed by a single '\n'.

Outbound commands look like:

	{"command": ["set_property", "pause", true], "request_id": 7}

The first element of "command" is the command name and the rest are positional arguments. The player echoes "request_id" in its reply,
which is how replies are matched to requests: replies may arrive in any order and interleaved with asynchronous event messages, such as:

	{"event": "playback-restart"}

There are three pieces:

 1. Framer splits the incoming byte stream into frames. A frame that fails to decode is dropped on its own; it never affects the frames after it.
 2. Transport owns the socket. It dials, reads, reconnects after a fixed delay while auto-reconnect is enabled, and serializes writes.
 3. Correlator assigns request ids, keeps the table of pending calls, and resolves each call with the first reply that carries its id.

Pending calls are not failed when the connection drops, unless the owner asks for that with Correlator.FailAll. A reply may still arrive
after a reconnect, so by default such calls simply stay pending.
*/
package ipc
