// Package gossip implements a leaderless group membership and failure
// detection protocol over unreliable datagrams.
//
// Each Member keeps three tables: the membership table (who is alive or
// suspected), the change table (recent transitions, piggybacked on every
// ACK and expired after a retention window) and the suspect table (when
// each suspicion started). Inbound messages go through Handle; the prober
// started by Run pings peers every period, suspects the ones that stay
// silent for a round and fails suspects older than the suspect timeout.
//
// Typical usage:
//
//	m, _ := gossip.New(gossip.Config{Self: self, Introducer: &intro}, tr)
//	go tr.Serve(ctx, m)
//	if err := m.Join(ctx); err != nil { ... }
//	err := m.Run(ctx)
//
// The transport is pluggable: tests use an in-process fake, production
// uses the UDP transport in pkg/transport.
package gossip
