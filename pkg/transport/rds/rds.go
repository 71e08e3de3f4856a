// Package rds is the reliable channel: one RDS (Reliable Datagram Sockets)
// socket per role, addressed like UDP but with ordered, acknowledged delivery
// handled by the kernel. Only Linux ships the protocol family; elsewhere
// Listen reports transport.ErrTransportUnavailable.
package rds

import "rdsping/pkg/transport"

// Guidance is printed when the host cannot open an RDS socket.
var Guidance = []string{
	"load the kernel module: sudo modprobe rds (and rds_tcp for TCP-backed links)",
	"check that the kernel was built with CONFIG_RDS",
	"or set reliable.fallback: quic to use the QUIC channel instead",
}

func unavailable(err error) error {
	return &transport.UnavailableError{Kind: transport.KindRDS, Guidance: Guidance, Err: err}
}

// recvBuffer is one byte over the payload contract so truncated datagrams
// can be told apart from exact-size ones.
const recvBuffer = transport.MaxPayload + 1
