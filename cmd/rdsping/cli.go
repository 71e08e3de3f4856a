package main

import (
	"flag"
	"fmt"
	"strings"

	"rdsping/pkg/transport"
)

// Options holds CLI options. Address and count flags override the loaded
// configuration when set.
type Options struct {
	Role        string
	Multicast   bool
	ConfigPath  string
	PrintConfig bool

	Peer  string
	Bind  string
	Group string
	Count int
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) (Options, error) {
	fs := flag.NewFlagSet("rdsping", flag.ContinueOnError)
	var opts Options
	fs.StringVar(&opts.Role, "role", "client", "client (initiator) or server (responder)")
	fs.BoolVar(&opts.Multicast, "m", false, "use the best-effort multicast channel")
	fs.BoolVar(&opts.Multicast, "multicast", false, "same as -m")
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "print the effective configuration and exit")
	fs.StringVar(&opts.Peer, "peer", "", "responder endpoint host:port")
	fs.StringVar(&opts.Bind, "bind", "", "local bind host:port")
	fs.StringVar(&opts.Group, "group", "", "multicast group host:port")
	fs.IntVar(&opts.Count, "count", -1, "stop after this many matched exchanges (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		fmt.Fprintln(fs.Output(), err)
		return opts, err
	}
	return opts, nil
}

// parseRole accepts both the protocol names and the classic client/server.
func parseRole(s string) (transport.Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "client", "initiator":
		return transport.RoleInitiator, nil
	case "server", "responder":
		return transport.RoleResponder, nil
	default:
		return 0, fmt.Errorf("unknown role %q (want client or server)", s)
	}
}
