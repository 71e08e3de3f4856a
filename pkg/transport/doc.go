// Package transport defines the uniform send/receive contract shared by the
// rdsping channel variants and the error taxonomy they report.
//
// Key concepts:
//   - Mode: reliable unicast or best-effort multicast, picked by configuration
//   - Kind: the concrete channel behind a Session (rds, quic, udp-multicast, mem)
//   - Session: one role's open channel; owned by exactly one role driver and
//     released with Close on every exit path
//   - Endpoint: an immutable resolved (ip, port) pair
//
// Implementations live in sub-packages (rds, quic, multicast, mem) and are
// selected by the netstack package.
package transport
