// Command stcp-echo exercises internal/stcp's handshake, data-transfer,
// and close FSM over a UDP substrate: one side listens (passive open) and
// echoes every line it receives back to the other; the other connects
// (active open), streams stdin, and prints whatever comes back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/ddwkim/netkit/internal/netconfig"
	"github.com/ddwkim/netkit/internal/stcp"
)

const mss = 1024

func main() {
	netconfig.LoadDotEnv()

	listenAddr := flag.String("listen", "", "passive open: local UDP address to bind and wait for a peer on")
	connectAddr := flag.String("connect", "", "active open: remote UDP address to connect to")
	localAddr := flag.StringP("local", "l", ":0", "local UDP address to bind for active open")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	flag.Parse()

	log := netconfig.InitLogging(*verbose)

	if (*listenAddr == "") == (*connectAddr == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --listen or --connect is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *listenAddr != "" {
		runPassive(ctx, *listenAddr, log)
		return
	}
	runActive(ctx, *connectAddr, *localAddr, log)
}

func runPassive(ctx context.Context, addr string, log *slog.Logger) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer conn.Close()

	buf := make([]byte, mss+stcp.HeaderSize)
	n, peer, err := conn.ReadFromUDP(buf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}

	sub := stcp.NewUDPSubstrate(conn, peer, mss, buf[:n])
	c := stcp.NewConn(sub, nil, 1)
	if err := c.Accept(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "accept:", err)
		os.Exit(1)
	}

	go func() {
		if err := c.Run(ctx); err != nil {
			log.Error("stcp-echo: connection ended", "error", err)
		}
	}()

	readBuf := make([]byte, mss)
	for {
		n, err := sub.Read(readBuf)
		if n > 0 {
			_, _ = sub.Write(readBuf[:n])
		}
		if err != nil {
			return
		}
	}
}

func runActive(ctx context.Context, remote, local string, log *slog.Logger) {
	remoteAddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
	localUDPAddr, err := net.ResolveUDPAddr("udp4", local)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
	conn, err := net.ListenUDP("udp4", localUDPAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := stcp.NewUDPSubstrate(conn, remoteAddr, mss, nil)
	c := stcp.NewConn(sub, nil, 1)
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	go func() {
		if err := c.Run(ctx); err != nil {
			log.Error("stcp-echo: connection ended", "error", err)
		}
	}()

	go func() {
		readBuf := make([]byte, mss)
		for {
			n, err := sub.Read(readBuf)
			if n > 0 {
				fmt.Println(string(readBuf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := sub.Write(scanner.Bytes()); err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			break
		}
	}
	sub.RequestClose()
}
