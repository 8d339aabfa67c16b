// Package bus is the broadcast layer between execution output producers
// and live viewers.
//
// A Hub keeps ephemeral rooms (one per execution, named exec_<id>) and fans
// published events out to room members over websockets. Delivery is best
// effort: slow members drop events and nothing is replayed on join.
//
// A Client is the producer/viewer side. It owns one websocket connection,
// reconnects with bounded exponential backoff, and never blocks Publish on
// the network: an unavailable broker is reported as ErrBrokerUnavailable.
package bus
