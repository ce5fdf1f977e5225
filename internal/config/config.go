// Package config parses the launcher command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/membership/pkg/gossip"
)

const DefaultPort = 7000

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidDropRate = errors.New("invalid packet drop rate")
	ErrInvalid         = errors.New("invalid configuration")
)

// Config is the validated launcher configuration.
type Config struct {
	// Introducer is nil when this process starts the group.
	Introducer *gossip.Id
	Port       int
	Host       string
	PacketDrop float64

	PingPeriod      time.Duration
	SuspectTimeout  time.Duration
	Fanout          int
	ChangeRetention time.Duration
	ChangeCapacity  int

	HTTPAddr   string
	Etcd       []string
	MQTTBroker string

	LogLevel  string
	LogFormat string
}

// Self is the Id this process advertises to peers.
func (c Config) Self() gossip.Id { return gossip.Id{Host: c.Host, Port: c.Port} }

// Parse reads args (without the program name). Usage and errors are
// written to output.
func Parse(args []string, output io.Writer) (Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		c    Config
		conn string
		etcd string
	)
	fs.StringVar(&conn, "conn", "", "introducer address `IP:PORT`; omit on the first node")
	fs.IntVar(&c.Port, "port", DefaultPort, "UDP port to listen on")
	fs.Float64Var(&c.PacketDrop, "packet_drop", 0, "simulated outbound packet drop `rate` in [0,1]")
	fs.StringVar(&c.Host, "host", "", "host advertised to peers (default: first non-loopback IPv4)")
	fs.DurationVar(&c.PingPeriod, "ping_period", gossip.DefaultPingPeriod, "interval between probe rounds")
	fs.DurationVar(&c.SuspectTimeout, "suspect_timeout", gossip.DefaultSuspectTimeout, "how long a member stays SUSPECTED before it is FAILED")
	fs.IntVar(&c.Fanout, "fanout", 0, "peers probed per round (0 = all)")
	fs.DurationVar(&c.ChangeRetention, "change_retention", gossip.DefaultChangeRetention, "how long a change is piggybacked")
	fs.IntVar(&c.ChangeCapacity, "change_capacity", gossip.DefaultChangeCapacity, "maximum changes kept for piggybacking")
	fs.StringVar(&c.HTTPAddr, "http_addr", "", "admin HTTP listen address (empty disables)")
	fs.StringVar(&etcd, "etcd", "", "comma-separated etcd endpoints for introducer discovery")
	fs.StringVar(&c.MQTTBroker, "mqtt_broker", "", "MQTT broker URL for membership events")
	fs.StringVar(&c.LogLevel, "log_level", "info", "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log_format", "json", "json or console")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalid, fs.Args())
	}

	if conn != "" {
		id, err := ParseAddress(conn)
		if err != nil {
			return Config{}, fmt.Errorf("--conn: %w", err)
		}
		c.Introducer = &id
	}
	if c.PacketDrop < 0 || c.PacketDrop > 1 {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidDropRate, c.PacketDrop)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return Config{}, fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if c.PingPeriod <= 0 || c.SuspectTimeout <= 0 || c.ChangeRetention <= 0 {
		return Config{}, fmt.Errorf("%w: durations must be positive", ErrInvalid)
	}
	if c.Fanout < 0 || c.ChangeCapacity <= 0 {
		return Config{}, fmt.Errorf("%w: fanout %d, change capacity %d", ErrInvalid, c.Fanout, c.ChangeCapacity)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("%w: log format %q", ErrInvalid, c.LogFormat)
	}
	c.Etcd = splitList(etcd)
	if c.Host == "" {
		c.Host = DetectHost()
	}
	return c, nil
}

// ParseAddress parses "host:port" into an Id.
func ParseAddress(s string) (gossip.Id, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return gossip.Id{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	if host == "" {
		return gossip.Id{}, fmt.Errorf("%w %q: missing host", ErrInvalidAddress, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return gossip.Id{}, fmt.Errorf("%w %q: bad port", ErrInvalidAddress, s)
	}
	return gossip.Id{Host: host, Port: port}, nil
}

// DetectHost returns the first non-loopback IPv4 address of this machine,
// or 127.0.0.1 if there is none.
func DetectHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
