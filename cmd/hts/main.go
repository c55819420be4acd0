// Command hts is the tunnel server's thin CLI shell: an external
// collaborator per spec §1/§6.4 that parses flags, constructs one
// tunnel.Tunnel per accepted client, picks exactly one external endpoint (a
// device file, a TCP host:port to forward to, or stdin/stdout), and drives
// reactor.Run. Modeled on original_source/hts.c's
// Arguments/parse_arguments/usage.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/reactor"
	"github.com/larsbrinkhoff/httptunnel/pkg/tunnel"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hts: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("hts", flag.ContinueOnError)
	var (
		contentLength = fs.Int("content-length", 4096, "size of HTTP request/response bodies")
		keepAlive     = fs.Int("keep-alive", 0, "send a keepalive byte every SECONDS seconds, 0 disables")
		maxConnAge    = fs.Int("max-connection-age", 0, "maximum age in seconds of an outbound connection before rollover, 0 disables")
		strictLength  = fs.Bool("strict-content-length", false, "always write content-length bytes in requests")
		device        = fs.String("device", "", "use DEVICE for input and output (forwarded to the OS as a file)")
		forwardTo     = fs.String("forward-port", "", "connect to HOST:PORT and use it for input and output")
		stdinStdout   = fs.Bool("stdin-stdout", false, "use stdin/stdout for communication")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	bindHost, bindPort, err := splitBindAddr(fs.Arg(0))
	if err != nil {
		return err
	}

	modes := 0
	if *device != "" {
		modes++
	}
	if *forwardTo != "" {
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

	opts := tunnel.Options{
		StrictContentLength: *strictLength,
		KeepAlive:           time.Duration(*keepAlive) * time.Second,
		MaxConnectionAge:    time.Duration(*maxConnAge) * time.Second,
	}
	logger := tunnel.NewStdLogger(0)
	reactorCfg := reactor.Config{KeepAlive: opts.KeepAlive, Logger: logger}

	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(bindPort)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d: %w", bindHost, bindPort, err)
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		t := tunnel.NewServer(ln, *contentLength, opts, logger)
		if err := t.Accept(); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			logger.Error("accept: %v", err)
			continue
		}

		ext, err := openExternalEndpoint(*stdinStdout, *device, *forwardTo)
		if err != nil {
			logger.Error("opening external endpoint: %v", err)
			t.Destroy()
			continue
		}
		if err := reactor.RunWithConfig(ext, t, reactorCfg); err != nil {
			logger.Error("session: %v", err)
		}
		if *stdinStdout {
			// stdin/stdout is a single-session endpoint; one client at a
			// time, matching §1 Non-goals ("at most one active tunnel
			// pair at a time").
			return nil
		}
	}
}

func openExternalEndpoint(stdinStdout bool, device, forwardTo string) (reactor.Endpoint, error) {
	if stdinStdout {
		return reactor.StdioEndpoint(os.Stdin, os.Stdout), nil
	}
	if device != "" {
		f, err := os.OpenFile(device, os.O_RDWR, 0)
		if err != nil {
			return reactor.Endpoint{}, fmt.Errorf("opening device %s: %w", device, err)
		}
		return reactor.NetEndpoint(f), nil
	}
	conn, err := net.Dial("tcp", forwardTo)
	if err != nil {
		return reactor.Endpoint{}, fmt.Errorf("dialing forward target %s: %w", forwardTo, err)
	}
	return reactor.NetEndpoint(conn), nil
}

func splitBindAddr(arg string) (string, int, error) {
	if arg == "" {
		return "", 0, fmt.Errorf("usage: hts [options] [host:]port")
	}
	if host, portStr, err := net.SplitHostPort(arg); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("parsing bind port %q: %w", portStr, err)
		}
		return host, port, nil
	}
	port, err := strconv.Atoi(arg)
	if err != nil {
		return "", 0, fmt.Errorf("parsing bind port %q: %w", arg, err)
	}
	return "", port, nil
}
