// Package registry publishes introducers in etcd so new members can find
// one without a --conn flag.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/membership/internal/config"
	"github.com/ryandielhenn/membership/pkg/gossip"
)

const (
	Prefix     = "/membership/introducers/"
	DefaultTTL = 10
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func key(id gossip.Id) string { return Prefix + id.String() }

func parseKey(k []byte) (gossip.Id, bool) {
	s, ok := strings.CutPrefix(string(k), Prefix)
	if !ok {
		return gossip.Id{}, false
	}
	id, err := config.ParseAddress(s)
	if err != nil {
		return gossip.Id{}, false
	}
	return id, true
}

// RegisterIntroducer stores id under a lease of ttl seconds and keeps the
// lease alive until cancel is called. The caller should revoke the lease
// on a graceful stop.
func RegisterIntroducer(ctx context.Context, cli *clientv3.Client, id gossip.Id, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, key(id), id.String(), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key(id), err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		// The channel must be drained or the client logs a full queue.
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Introducers lists registered introducers sorted by address.
func Introducers(ctx context.Context, cli *clientv3.Client) ([]gossip.Id, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("list introducers: %w", err)
	}
	set := make(map[gossip.Id]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(kv.Key); ok {
			set[id] = struct{}{}
		}
	}
	return sorted(set), nil
}

// WatchIntroducers calls fn with the full introducer set once at start and
// again after every change, until ctx is done.
func WatchIntroducers(ctx context.Context, cli *clientv3.Client, fn func([]gossip.Id)) error {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("list introducers: %w", err)
	}
	set := make(map[gossip.Id]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := parseKey(kv.Key); ok {
			set[id] = struct{}{}
		}
	}
	fn(sorted(set))

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wr := range wch {
			if wr.Err() != nil {
				return
			}
			changed := false
			for _, ev := range wr.Events {
				changed = apply(set, ev) || changed
			}
			if changed {
				fn(sorted(set))
			}
		}
	}()
	return nil
}

func apply(set map[gossip.Id]struct{}, ev *clientv3.Event) bool {
	id, ok := parseKey(ev.Kv.Key)
	if !ok {
		return false
	}
	_, had := set[id]
	switch ev.Type {
	case mvccpb.PUT:
		set[id] = struct{}{}
		return !had
	case mvccpb.DELETE:
		delete(set, id)
		return had
	}
	return false
}

func sorted(set map[gossip.Id]struct{}) []gossip.Id {
	out := make([]gossip.Id, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Pick returns the first introducer that is not self.
func Pick(candidates []gossip.Id, self gossip.Id) (gossip.Id, bool) {
	for _, id := range candidates {
		if id != self {
			return id, true
		}
	}
	return gossip.Id{}, false
}
