//go:build !unix

package multicast

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
