// Package log wraps zerolog with the handful of context loggers EventQL's
// components attach to: component, server id, namespace/table, and
// partition id.
package log
