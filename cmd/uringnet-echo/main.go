//go:build linux

// uringnet-echo is a minimal echo server over the uringnet dispatch
// loop. Useful for manual latency testing against netcat or a
// custom client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arpelle/uringnet"
	"github.com/arpelle/uringnet/buffer"
	"github.com/arpelle/uringnet/internal/logging"
	"github.com/arpelle/uringnet/transport"
)

type echoHandler struct{}

func (echoHandler) OnConnect(conn *uringnet.Conn) {}

func (echoHandler) OnDataReceived(conn *uringnet.Conn, buf *buffer.Buffer, length int) {
	// Echo on the same buffer: ownership moves to the write path.
	if err := conn.Send(buf, length); err != nil {
		conn.Close()
	}
}

func (echoHandler) OnDisconnect(conn *uringnet.Conn) {}

func main() {
	cfg := uringnet.DefaultServerConfig()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.IntVar(&cfg.NumBuffers, "buffers", cfg.NumBuffers, "pool capacity (power of two)")
	flag.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "buffer size in bytes")
	flag.IntVar(&cfg.CPUAffinity, "cpu", cfg.CPUAffinity, "pin loop thread to CPU (-1 = off)")
	flag.BoolVar(&cfg.SQPollEnabled, "sqpoll", cfg.SQPollEnabled, "enable kernel submission polling")
	selector := flag.Bool("selector", false, "use the selector fallback backend")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *selector {
		cfg.Backend = transport.BackendSelector
	}
	if *verbose {
		logging.SetDefault(logging.NewLogger(&logging.Config{
			Level:  logging.LevelDebug,
			Output: os.Stderr,
		}))
	}

	srv, err := uringnet.NewServer(cfg, echoHandler{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "uringnet-echo: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "uringnet-echo: %v\n", err)
		os.Exit(1)
	}

	snap := srv.Metrics().Snapshot()
	fmt.Printf("served %d connections, %d bytes in, %d bytes out\n",
		snap.AcceptedConns, snap.BytesIn, snap.BytesOut)
}
