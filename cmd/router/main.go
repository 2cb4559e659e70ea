//go:build linux

// Command router runs the ROUTER IPv4 forwarding engine described in
// spec §6: given an interfaces file and a routing table file, it opens
// one AF_PACKET raw socket per interface, multiplexes them with epoll,
// and drives internal/router.Router.HandlePacket on every frame.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ddwkim/netkit/internal/netconfig"
	"github.com/ddwkim/netkit/internal/router"
)

// htons converts a uint16 from host to network byte order, needed for the
// ETH_P_ALL protocol field AF_PACKET sockets are bound with.
func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }

func main() {
	netconfig.LoadDotEnv()

	ifacesPath := flag.String("ifaces", "", "path to the interfaces file (required)")
	routesPath := flag.String("routes", "", "path to the routing table file (required)")
	dumpRoutes := flag.Bool("dump-routes", false, "print the routing table at startup")
	dumpArp := flag.Bool("dump-arp", false, "periodically print the ARP cache to stderr")
	verbose := flag.BoolP("verbose", "v", false, "enable debug logging")
	flag.Parse()

	log := netconfig.InitLogging(*verbose)

	if *ifacesPath == "" || *routesPath == "" {
		fmt.Fprintln(os.Stderr, "usage: router --ifaces <file> --routes <file>")
		os.Exit(1)
	}

	ifaces, err := router.ParseInterfaces(*ifacesPath)
	if err != nil {
		log.Error("router: failed to load interfaces", "error", err)
		os.Exit(1)
	}
	entries, err := router.ParseRoutes(*routesPath)
	if err != nil {
		log.Error("router: failed to load routes", "error", err)
		os.Exit(1)
	}
	table := router.NewRoutingTable(entries)

	if *dumpRoutes {
		printRoutes(entries)
	}

	nics, err := openInterfaces(ifaces)
	if err != nil {
		log.Error("router: failed to open raw sockets", "error", err)
		os.Exit(1)
	}
	defer nics.Close()

	r := router.NewRouter(ifaces, table, nics.send, log)
	defer r.Close()

	if *dumpArp {
		go dumpArpLoop(r)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("router: forwarding", "interfaces", len(ifaces))
	if err := nics.run(ctx, r); err != nil {
		log.Error("router: exited", "error", err)
		os.Exit(1)
	}
}

func printRoutes(entries []router.RouteEntry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Destination", "Mask", "Gateway", "Interface"})
	for _, e := range entries {
		ones, _ := e.Mask.Size()
		gw := "-"
		if e.Gateway != nil && !e.Gateway.IsUnspecified() {
			gw = e.Gateway.String()
		}
		table.Append([]string{fmt.Sprintf("%s/%d", e.Dest, ones), net.IP(e.Mask).String(), gw, e.Interface})
	}
	table.Render()
}

func dumpArpLoop(r *router.Router) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		table := tablewriter.NewWriter(os.Stderr)
		table.SetHeader([]string{"IP", "MAC"})
		for _, e := range r.ArpSnapshot() {
			table.Append([]string{e.IP, e.MAC})
		}
		table.Render()
	}
}

// nic is one AF_PACKET raw socket bound to a single OS interface.
type nic struct {
	name    string
	fd      int
	ifindex int
}

// nicSet owns every nic plus the epoll instance multiplexing them.
type nicSet struct {
	epfd int
	byFD map[int]*nic
}

// openInterfaces binds one non-blocking AF_PACKET/SOCK_RAW socket per
// configured interface (ETH_P_ALL, so ARP and IPv4 both arrive) and
// registers them all with a single epoll instance.
func openInterfaces(ifaces []router.Interface) (*nicSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("router: epoll_create1: %w", err)
	}
	set := &nicSet{epfd: epfd, byFD: make(map[int]*nic)}

	for _, ifc := range ifaces {
		iface, err := net.InterfaceByName(ifc.Name)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("router: lookup interface %s: %w", ifc.Name, err)
		}
		fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("router: socket %s: %w", ifc.Name, err)
		}
		sa := &unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_ALL),
			Ifindex:  iface.Index,
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			set.Close()
			return nil, fmt.Errorf("router: bind %s: %w", ifc.Name, err)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			set.Close()
			return nil, fmt.Errorf("router: set nonblocking %s: %w", ifc.Name, err)
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}); err != nil {
			unix.Close(fd)
			set.Close()
			return nil, fmt.Errorf("router: epoll register %s: %w", ifc.Name, err)
		}
		set.byFD[fd] = &nic{name: ifc.Name, fd: fd, ifindex: iface.Index}
	}
	return set, nil
}

func (s *nicSet) Close() {
	for fd := range s.byFD {
		unix.Close(fd)
	}
	unix.Close(s.epfd)
}

// send writes a finished Ethernet frame out the named interface. The
// frame already carries the right source/destination MACs, so a plain
// write on the bound socket is enough.
func (s *nicSet) send(frame []byte, iface string) error {
	for _, n := range s.byFD {
		if n.name == iface {
			_, err := unix.Write(n.fd, frame)
			return err
		}
	}
	return fmt.Errorf("router: unknown egress interface %q", iface)
}

const maxEpollEvents = 64
const epollWaitTimeoutMS = 200
const maxFrameSize = 65536

// run polls every nic for inbound frames and hands each to
// r.HandlePacket until ctx is canceled.
func (s *nicSet) run(ctx context.Context, r *router.Router) error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	buf := make([]byte, maxFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := unix.EpollWait(s.epfd, events, epollWaitTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("router: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			iface, ok := s.byFD[fd]
			if !ok {
				continue
			}
			for {
				rn, err := unix.Read(fd, buf)
				if err != nil {
					if err == unix.EAGAIN {
						break
					}
					break
				}
				if rn <= 0 {
					break
				}
				if err := r.HandlePacket(append([]byte(nil), buf[:rn]...), iface.name); err != nil {
					slog.Default().Debug("router: drop", "interface", iface.name, "error", err)
				}
			}
		}
	}
}
