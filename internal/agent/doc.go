// Package agent runs whitelisted scripts on a target host.
//
// Ownership boundary:
// - resolving command names strictly inside the script directory
// - spawning, timing out and reaping script processes
// - buffered results and the tagged line stream (see protocol/stream)
// - the agent HTTP surface
//
// It does not persist anything and has no notion of execution records.
package agent
