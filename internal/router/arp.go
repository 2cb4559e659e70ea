package router

import (
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	arpEntryTTL    = 2 * time.Minute
	arpSweepDelay  = time.Second
	arpMaxAttempts = 5
)

// PendingPacket is a packet queued behind an in-flight ARP resolution.
type PendingPacket struct {
	Frame     []byte
	Interface string
}

// ArpCache resolves next-hop IPs to MAC addresses and queues packets that
// arrive before resolution completes (spec §4.5 "ARP resolution"). The
// cache and pending queue are the only structures shared between the
// packet-handling path and the resolver goroutines it spawns, guarded by
// mu per the concurrency model in spec §5.
type ArpCache struct {
	cache *ttlcache.Cache[string, net.HardwareAddr]
	clock clockwork.Clock

	mu      sync.Mutex
	pending map[string][]PendingPacket
	group   singleflight.Group

	broadcast func(ip net.IP) error
	onGiveUp  func(ip net.IP, pkts []PendingPacket)
}

// NewArpCache wires a cache whose misses are resolved by calling
// broadcast (send an ARP request for ip on the right interface) and,
// after arpMaxAttempts unanswered attempts spaced arpSweepDelay apart,
// reports every still-queued packet for that IP to onGiveUp so the
// caller can emit ICMP host-unreachable for each. The sweep is driven by
// clockwork.Clock the same way runner.go drives its probe ticker, so
// tests can swap in a FakeClock instead of waiting on real sweeps.
func NewArpCache(broadcast func(net.IP) error, onGiveUp func(net.IP, []PendingPacket)) *ArpCache {
	return NewArpCacheWithClock(broadcast, onGiveUp, clockwork.NewRealClock())
}

func NewArpCacheWithClock(broadcast func(net.IP) error, onGiveUp func(net.IP, []PendingPacket), clock clockwork.Clock) *ArpCache {
	c := ttlcache.New[string, net.HardwareAddr](ttlcache.WithTTL[string, net.HardwareAddr](arpEntryTTL))
	go c.Start()
	return &ArpCache{
		cache:     c,
		clock:     clock,
		pending:   make(map[string][]PendingPacket),
		broadcast: broadcast,
		onGiveUp:  onGiveUp,
	}
}

// Close stops the cache's background eviction goroutine.
func (c *ArpCache) Close() { c.cache.Stop() }

func (c *ArpCache) Get(ip net.IP) (net.HardwareAddr, bool) {
	item := c.cache.Get(ip.String())
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Learn records ip -> mac (from an ARP reply, or a request carrying a
// sender mapping worth caching) and returns every packet that had been
// queued behind it, for the caller to flush.
func (c *ArpCache) Learn(ip net.IP, mac net.HardwareAddr) []PendingPacket {
	c.cache.Set(ip.String(), mac, ttlcache.DefaultTTL)

	key := ip.String()
	c.mu.Lock()
	pkts := c.pending[key]
	delete(c.pending, key)
	c.setPendingMetricLocked()
	c.mu.Unlock()
	return pkts
}

// setPendingMetricLocked refreshes metricArpCacheSize from the live
// pending queue. Callers must hold mu.
func (c *ArpCache) setPendingMetricLocked() {
	n := 0
	for _, pkts := range c.pending {
		n += len(pkts)
	}
	metricArpCacheSize.Set(float64(n))
}

// Resolve queues frame (outbound via iface once ip resolves) and, unless
// a resolution for ip is already in flight, starts one: broadcast an ARP
// request, then sweep up to arpMaxAttempts-1 more times every
// arpSweepDelay until an answer lands in the cache. singleflight
// collapses concurrent Resolve calls for the same ip into a single
// broadcast sequence.
func (c *ArpCache) Resolve(ip net.IP, frame []byte, iface string) {
	key := ip.String()

	c.mu.Lock()
	_, inFlight := c.pending[key]
	c.pending[key] = append(c.pending[key], PendingPacket{Frame: frame, Interface: iface})
	c.setPendingMetricLocked()
	c.mu.Unlock()
	if inFlight {
		return
	}

	go func() {
		_, _, _ = c.group.Do(key, func() (any, error) {
			c.sweep(ip)

			if _, ok := c.Get(ip); ok {
				return nil, nil
			}

			c.mu.Lock()
			pkts := c.pending[key]
			delete(c.pending, key)
			c.setPendingMetricLocked()
			c.mu.Unlock()
			if len(pkts) > 0 && c.onGiveUp != nil {
				c.onGiveUp(ip, pkts)
			}
			return nil, nil
		})
	}()
}

// sweep broadcasts an ARP request for ip, then retries on clock ticks
// until ip resolves or arpMaxAttempts is spent.
func (c *ArpCache) sweep(ip net.IP) {
	ticker := c.clock.NewTicker(arpSweepDelay)
	defer ticker.Stop()

	for attempt := 0; attempt < arpMaxAttempts; attempt++ {
		if _, ok := c.Get(ip); ok {
			return
		}
		if err := c.broadcast(ip); err != nil {
			return
		}
		if attempt < arpMaxAttempts-1 {
			<-ticker.Chan()
		}
	}
}
