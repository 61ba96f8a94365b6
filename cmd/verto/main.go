// Command verto runs the verto server, or a diagnostic client for poking at
// one.
//
// Usage:
//
//	verto [server] [-port 1234] [-idle-timeout 5m]
//	verto client [-addr localhost:1234]
//
// The client reads one command per line from stdin, sends it, and prints the
// decoded response.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	verto "github.com/gfmonteiro/verto"
	"github.com/gfmonteiro/verto/protocol"
)

func main() {
	args := os.Args[1:]
	mode := "server"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	var err error
	switch mode {
	case "server":
		err = runServer(args)
	case "client":
		err = runClient(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want server or client)\n", mode)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "verto:", err)
		os.Exit(1)
	}
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	port := fs.Int("port", 1234, "TCP port to listen on")
	idleTimeout := fs.Duration("idle-timeout", 5*time.Minute, "close idle connections after this long (0 disables)")
	expireBudget := fs.Int("expire-budget", 2000, "max keys expired per event-loop tick")
	fs.Parse(args)

	srv, err := verto.New(
		verto.WithPort(*port),
		verto.WithIdleTimeout(*idleTimeout),
		verto.WithExpireBudget(*expireBudget),
	)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return srv.Close()
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	addr := fs.String("addr", "localhost:1234", "server address")
	fs.Parse(args)

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stdin := bufio.NewScanner(os.Stdin)
	reader := bufio.NewReader(conn)
	for stdin.Scan() {
		fields := strings.Fields(stdin.Text())
		if len(fields) == 0 {
			continue
		}
		cmdArgs := make([][]byte, len(fields))
		for i, f := range fields {
			cmdArgs[i] = []byte(f)
		}

		var out protocol.Buffer
		protocol.AppendRequest(&out, cmdArgs...)
		if _, err := conn.Write(out.Bytes()); err != nil {
			return err
		}

		value, err := readResponse(reader)
		if err != nil {
			return err
		}
		fmt.Println(value.String())
	}
	return stdin.Err()
}

func readResponse(r io.Reader) (protocol.Value, error) {
	var header [protocol.HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return protocol.Value{}, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n > protocol.MaxPayload {
		return protocol.Value{}, fmt.Errorf("server announced oversize frame of %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return protocol.Value{}, err
	}
	value, rest, err := protocol.DecodeResponse(payload)
	if err != nil {
		return protocol.Value{}, err
	}
	if len(rest) != 0 {
		return protocol.Value{}, fmt.Errorf("%d trailing bytes in response", len(rest))
	}
	return value, nil
}
