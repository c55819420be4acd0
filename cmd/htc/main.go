// Command htc is the tunnel client's thin CLI shell: an external
// collaborator per spec §1/§6.4 that parses flags, constructs one
// tunnel.Tunnel, picks exactly one external endpoint (a device file,
// forwarded TCP port, or stdin/stdout), and drives reactor.Run. The device
// opened is a plain os.File; terminal/serial line discipline setup itself
// stays out of scope per §1. Modeled on original_source/htc.c's
// Arguments/parse_arguments/usage, using the standard flag package the way
// the teacher's own demo cmd/* mains do rather than a CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/reactor"
	"github.com/larsbrinkhoff/httptunnel/pkg/tunnel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "htc: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("htc", flag.ContinueOnError)
	var (
		contentLength  = fs.Int("content-length", 4096, "size of HTTP request/response bodies")
		keepAlive      = fs.Int("keep-alive", 0, "send a keepalive byte every SECONDS seconds, 0 disables")
		maxConnAge     = fs.Int("max-connection-age", 0, "maximum age in seconds of an outbound connection before rollover, 0 disables")
		strictLength   = fs.Bool("strict-content-length", false, "always write content-length bytes in requests")
		proxy          = fs.String("proxy", "", "proxy URL, e.g. http://host:port or socks5://host:port")
		proxyAuth      = fs.String("proxy-authorization", "", "Proxy-Authorization header value")
		proxyAuthFile  = fs.String("proxy-authorization-file", "", "file containing the Proxy-Authorization header value")
		userAgent      = fs.String("user-agent", "", "User-Agent header value")
		timeoutMs      = fs.Int("timeout", 0, "buffer-flush timeout in milliseconds, requires --proxy-buffer-size")
		proxyBufSize   = fs.Int("proxy-buffer-size", 0, "assume a proxy buffer size of BYTES bytes")
		device         = fs.String("device", "", "use DEVICE for input and output (forwarded to the OS as a file)")
		forwardPort    = fs.Int("forward-port", 0, "accept local TCP connections on PORT and tunnel each one")
		stdinStdout    = fs.Bool("stdin-stdout", false, "use stdin/stdout for communication")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	host, port, err := splitHostPort(fs.Arg(0))
	if err != nil {
		return err
	}

	modes := 0
	if *device != "" {
		modes++
	}
	if *forwardPort != 0 {
		modes++
	}
	if *stdinStdout {
		modes++
	}
	if modes == 0 {
		return fmt.Errorf("one of --device, --forward-port or --stdin-stdout must be used")
	}
	if modes > 1 {
		return fmt.Errorf("only one of --device, --forward-port or --stdin-stdout can be used")
	}

	dest := tunnel.Destination{Host: host, Port: port, UserAgent: *userAgent}
	if *proxyAuthFile != "" {
		b, err := os.ReadFile(*proxyAuthFile)
		if err != nil {
			return fmt.Errorf("reading --proxy-authorization-file: %w", err)
		}
		dest.ProxyAuthorization = strings.TrimSpace(string(b))
	} else if *proxyAuth != "" {
		dest.ProxyAuthorization = *proxyAuth
	}
	if *proxy != "" {
		target, err := tunnel.ParseProxyURL(*proxy)
		if err != nil {
			return err
		}
		target.ApplyProxy(&dest)
	} else if *proxyBufSize != 0 || *timeoutMs != 0 {
		fmt.Fprintln(os.Stderr, "htc: warning: --proxy-buffer-size/--timeout have no effect without --proxy")
	}

	opts := tunnel.Options{
		StrictContentLength: *strictLength,
		KeepAlive:           time.Duration(*keepAlive) * time.Second,
		MaxConnectionAge:    time.Duration(*maxConnAge) * time.Second,
	}
	logger := tunnel.NewStdLogger(0)

	reactorCfg := reactor.Config{KeepAlive: opts.KeepAlive, Logger: logger}
	if *proxy != "" && *proxyBufSize > 0 && *timeoutMs > 0 {
		reactorCfg.BufferFlushSize = *proxyBufSize
		reactorCfg.BufferFlushTimeout = time.Duration(*timeoutMs) * time.Millisecond
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *stdinStdout:
		return runOneSession(dest, *contentLength, opts, logger, reactorCfg, reactor.StdioEndpoint(os.Stdin, os.Stdout))
	case *device != "":
		f, err := os.OpenFile(*device, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("opening device %s: %w", *device, err)
		}
		return runOneSession(dest, *contentLength, opts, logger, reactorCfg, reactor.NetEndpoint(f))
	default:
		return runForwarding(ctx, dest, *contentLength, opts, logger, reactorCfg, *forwardPort)
	}
}

func runOneSession(dest tunnel.Destination, contentLength int, opts tunnel.Options, logger tunnel.Logger, cfg reactor.Config, ext reactor.Endpoint) error {
	t := tunnel.NewClient(dest, contentLength, opts, logger)
	if err := t.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return reactor.RunWithConfig(ext, t, cfg)
}

// runForwarding accepts local TCP connections on port and tunnels each one
// in turn, one tunnel session per accepted connection, matching the
// original's one-active-tunnel-at-a-time model (§1 Non-goals).
func runForwarding(ctx context.Context, dest tunnel.Destination, contentLength int, opts tunnel.Options, logger tunnel.Logger, cfg reactor.Config, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening on forward port: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		t := tunnel.NewClient(dest, contentLength, opts, logger)
		if err := t.Connect(); err != nil {
			logger.Error("forward: connect: %v", err)
			conn.Close()
			continue
		}
		if err := reactor.RunWithConfig(reactor.NetEndpoint(conn), t, cfg); err != nil {
			logger.Error("forward: session: %v", err)
		}
	}
}

func splitHostPort(hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("usage: htc [options] host:port")
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("parsing destination %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parsing destination port %q: %w", portStr, err)
	}
	return host, port, nil
}
