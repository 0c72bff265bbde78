// Package discovery finds other nodes on the local network so they can be
// added as contacts. A node answers UDP broadcast probes with its name,
// public key and signaling port.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"p2p-call/internal/identity"
	"p2p-call/internal/telemetry"
)

const (
	DefaultLANPort    = 10002
	DefaultLANTimeout = 1 * time.Second

	// magic tags our datagrams so other broadcast traffic on the port is ignored.
	magic       = "p2p-call/1"
	maxDatagram = 1024
)

type LANConfig struct {
	Port    int
	Timeout time.Duration
}

func DefaultLANConfig() LANConfig {
	return LANConfig{Port: DefaultLANPort, Timeout: DefaultLANTimeout}
}

// Announcement is what a node tells the LAN about itself.
type Announcement struct {
	Name      string
	PublicKey identity.PublicKey
	Listen    string // signaling listen address, e.g. "0.0.0.0:10001"
}

// Peer is a node that answered a probe. Address is host:port of its
// signaling listener as seen from here.
type Peer struct {
	Name      string
	PublicKey identity.PublicKey
	Address   string
}

type datagram struct {
	Magic     string             `json:"magic"`
	Reply     bool               `json:"reply,omitempty"`
	PublicKey identity.PublicKey `json:"public_key"`
	Name      string             `json:"name,omitempty"`
	Port      int                `json:"port,omitempty"`
}

func decode(b []byte) (datagram, bool) {
	var d datagram
	if err := json.Unmarshal(b, &d); err != nil || d.Magic != magic || d.PublicKey.IsZero() {
		return datagram{}, false
	}
	return d, true
}

// Responder answers probes until its context ends.
type Responder struct {
	conn *net.UDPConn
	self func() Announcement
	log  logrus.FieldLogger
}

// Listen binds the discovery port. Several local nodes may share it.
func Listen(cfg LANConfig, self func() Announcement, logger logrus.FieldLogger) (*Responder, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errors.New("discovery: not a UDP socket")
	}
	return &Responder{conn: conn, self: self, log: telemetry.Component(logger, "discovery")}, nil
}

func (r *Responder) Addr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// Serve answers probes until ctx ends, then closes the socket. self is
// evaluated per reply so renames show up immediately.
func (r *Responder) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				r.log.WithError(err).Warn("read failed")
			}
			return
		}
		d, ok := decode(buf[:n])
		if !ok || d.Reply {
			continue
		}
		me := r.self()
		if d.PublicKey == me.PublicKey {
			continue
		}
		reply, err := json.Marshal(datagram{
			Magic:     magic,
			Reply:     true,
			PublicKey: me.PublicKey,
			Name:      me.Name,
			Port:      portOf(me.Listen),
		})
		if err != nil {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, from); err != nil {
			r.log.WithError(err).WithField("remote", from.String()).Debug("reply failed")
		}
	}
}

func portOf(listen string) int {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// Discover broadcasts a probe and collects the nodes answering within
// cfg.Timeout or until ctx ends. Replies carrying self's key are skipped.
func Discover(ctx context.Context, cfg LANConfig, self Announcement) ([]Peer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()

	probe, err := json.Marshal(datagram{Magic: magic, PublicKey: self.PublicKey})
	if err != nil {
		return nil, err
	}

	targets := append(broadcastAddrs(cfg.Port), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})
	sent := 0
	for _, dst := range targets {
		if _, err := conn.WriteToUDP(probe, dst); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return nil, errors.New("discovery: no probe could be sent")
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[identity.PublicKey]bool)
	var out []Peer
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		d, ok := decode(buf[:n])
		if !ok || !d.Reply || d.Port <= 0 || d.PublicKey == self.PublicKey || seen[d.PublicKey] {
			continue
		}
		seen[d.PublicKey] = true
		out = append(out, Peer{
			Name:      d.Name,
			PublicKey: d.PublicKey,
			Address:   net.JoinHostPort(from.IP.String(), strconv.Itoa(d.Port)),
		})
	}
	return out, nil
}

// broadcastAddrs lists the directed broadcast address of every IPv4
// network on an up interface, falling back to 255.255.255.255.
func broadcastAddrs(port int) []*net.UDPAddr {
	var out []*net.UDPAddr
	ifaces, _ := net.Interfaces()
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4, mask := ipnet.IP.To4(), ipnet.Mask
			if ip4 == nil || len(mask) != net.IPv4len {
				continue
			}
			bc := make(net.IP, net.IPv4len)
			for i := range bc {
				bc[i] = ip4[i] | ^mask[i]
			}
			out = append(out, &net.UDPAddr{IP: bc, Port: port})
		}
	}
	if len(out) == 0 {
		out = append(out, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	return out
}
