// Package events is an in-memory pub/sub bus for cluster-wide operational
// events (server up/down, table created, partition compacted/split),
// consumed by logging and alerting fan-out rather than by routing
// decisions. Publish queues into a 100-event broker buffer and blocks only
// while that buffer is full (or until Stop); per-subscriber channels are
// buffered, and a full subscriber buffer skips rather than blocks the broker.
//
// The broker shape (Subscribe/Unsubscribe/Publish over buffered channels,
// Start/Stop around a broadcast loop) is grounded on the teacher's
// pkg/events package, generalized from service/task/node/secret/volume
// lifecycle events to server/table/partition lifecycle events.
package events
