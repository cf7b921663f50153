/*
Package process supervises the media player process.

The Supervisor launches the player with a fixed IPC socket path and startup flags, and watches for it to exit. It only provides mechanism:
deciding when to restart a dead player is left to the caller, which uses EnsureRunning for that.

Exit code 4 is what the player returns when it quits because of a signal, such as the interrupt sent to the whole process group on Ctrl-C.
That exit is expected and logged as such. Any other non-zero exit is logged as an error.

Stop asks the player to quit through a caller-supplied function (normally a "quit" command written to the IPC socket, not a signal)
and waits for the exit. If the player has not exited once the shutdown timeout passes, it is killed.
*/
package process
