// Package stream owns the agent -> orchestrator output wire contract.
//
// A streamed /execute response body is a sequence of newline-terminated lines:
//
//	[HH:MM:SS] [STDOUT] text     tagged output frame (STDOUT, STDERR, INFO)
//	" "                          heartbeat (blank or space-only line)
//	[HH:MM:SS] [EXIT] exit_code=N  terminal marker, exactly one per stream
//	[HH:MM:SS] [EXIT] exit_code=-1 reason=timeout
//	                             terminal marker when the agent killed the script
//
// The HTTP response additionally carries the trailer X-Hermes-Exit-Code.
// Consumers prefer the trailer, then the EXIT marker, and only then fall back
// to ScanExitCode over free text. The textual formats above are a stable
// contract.
package stream
