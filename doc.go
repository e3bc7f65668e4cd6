// Package streamnet is the data-transfer plane of a distributed dataflow
// runtime. It moves framed records between producer and consumer stages on
// the same host or across hosts, without loss and in order per channel.
//
// # Architecture
//
// A channel connects exactly one writer to exactly one reader:
//
//	Writer.TryWrite -> ipc -> sender relay -> tcp/ws/nats -> receiver relay -> ipc -> Reader.Read
//	                  <------------------------- acks ----------------------------
//
// Same-host channels skip the relays and meet on a single ipc socket.
//
// Packages:
//   - channel: channel descriptors, channel sets and their file/KV loaders
//   - frame: the wire format (channel id header, data and ack bodies)
//   - socket: non-blocking sockets over ipc, tcp, ws, nats and inproc, plus
//     the registry that owns them
//   - transfer: sender and receiver relays and per-node plans
//   - endpoint: the data writer and data reader
//   - ioloop: the worker pool that polls sockets and drives handlers
//   - stats: per-channel and per-peer event counters
//   - harness: feeding, collection and order checks for tests and benchmarks
//   - config, metric, health, natsclient, errors: ambient infrastructure
//
// Commands:
//   - cmd/streamnet runs the relays of one node
//   - cmd/streamnet-bench measures throughput in one process
package streamnet
