// Command terminator tells members to leave the group, or with --crash to
// stop without leaving.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/config"
	"github.com/ryandielhenn/membership/internal/logging"
	"github.com/ryandielhenn/membership/pkg/gossip"
	"github.com/ryandielhenn/membership/pkg/transport"
)

func main() {
	crash := flag.Bool("crash", false, "send CRASH instead of TERMINATE")
	timeout := flag.Duration("timeout", 2*time.Second, "per-target send timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [--crash] IP:PORT...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Target server should be given")
		flag.Usage()
		os.Exit(2)
	}

	log, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	typ := gossip.MsgTerminate
	if *crash {
		typ = gossip.MsgCrash
	}

	failed := 0
	for _, arg := range flag.Args() {
		to, err := config.ParseAddress(arg)
		if err != nil {
			log.Error("bad target", zap.String("target", arg), zap.Error(err))
			failed++
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err = transport.SendOnce(ctx, to, gossip.NewMessage(gossip.Id{}, typ, nil))
		cancel()
		if err != nil {
			log.Error("send failed", zap.Stringer("target", to), zap.Stringer("type", typ), zap.Error(err))
			failed++
			continue
		}
		log.Info("sent", zap.Stringer("target", to), zap.Stringer("type", typ))
	}
	if failed > 0 {
		log.Sync()
		os.Exit(1)
	}
}
