// Command substream-admin is a small operator CLI for the
// administrative operations spec.md references but never wires to a
// caller: reset-cursors under the subscription's distributed lock
// (SPEC_FULL.md §5 feature #5). Dispatch follows the teacher's
// examples/cmd flag.Parse()+flag.Arg(0) subcommand shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/logger"
	"github.com/hazelstream/substream/model"
	"github.com/hazelstream/substream/plugins/zaplogger"
	"github.com/hazelstream/substream/session"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func main() {
	flag.Parse()
	command := flag.Arg(0)

	if err := run(command, flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "substream-admin:", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	switch command {
	case "reset-cursors":
		return runResetCursors(args)
	default:
		println("Please provide a valid command name:")
		println("  reset-cursors <subscription> <event_type>:<partition>:<offset>[,...]")
		return fmt.Errorf("unknown command %q", command)
	}
}

func runResetCursors(args []string) error {
	fs := flag.NewFlagSet("reset-cursors", flag.ContinueOnError)
	etcdEndpoints := fs.String("etcd-endpoints", "localhost:2379", "comma-separated etcd endpoints")
	drainTimeout := fs.Duration("drain-timeout", 30*time.Second, "drain timeout passed to the reset; the etcd client resets at once and does not wait on it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: reset-cursors [flags] <subscription> <event_type>:<partition>:<offset>[,...]")
	}
	subscriptionID := fs.Arg(0)
	cursors, err := parseCursors(fs.Arg(1))
	if err != nil {
		return err
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zl.Sync()
	log := zaplogger.New(zl).With("component", "substream-admin")

	etcdCli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(*etcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer etcdCli.Close()

	return resetCursors(context.Background(), etcdCli, log, subscriptionID, cursors, *drainTimeout)
}

// resetCursors performs the reset through an already-connected etcd
// client; flag parsing and connection setup stay in runResetCursors.
func resetCursors(
	ctx context.Context, etcdCli *clientv3.Client, log logger.Logger,
	subscriptionID string, cursors []model.Cursor, drainTimeout time.Duration,
) error {
	coordClient := coordination.NewEtcdClient(etcdCli, "/substream/subscriptions/"+subscriptionID, log)
	reset := session.NewResetCursors(coordClient)
	if err := reset.Reset(ctx, cursors, drainTimeout); err != nil {
		return fmt.Errorf("reset cursors for %q: %w", subscriptionID, err)
	}
	log.Info("cursors reset", "subscription", subscriptionID, "count", len(cursors))
	return nil
}

// parseCursors decodes "event_type:partition:offset,..." into Cursors.
func parseCursors(spec string) ([]model.Cursor, error) {
	parts := strings.Split(spec, ",")
	cursors := make([]model.Cursor, 0, len(parts))
	for _, part := range parts {
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed cursor %q, want event_type:partition:offset", part)
		}
		if _, err := strconv.ParseInt(fields[2], 10, 64); err != nil {
			return nil, fmt.Errorf("malformed offset in %q: %w", part, err)
		}
		cursors = append(cursors, model.Cursor{
			Partition: model.PartitionKey{EventType: fields[0], PartitionID: fields[1]},
			Offset:    fields[2],
		})
	}
	return cursors, nil
}
