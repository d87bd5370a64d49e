// Command streamhoused wires a store, a coordinator and one in-process
// stream client together on a single node. It has no network listener —
// spec.md's Non-goals put the RPC transport out of scope — so it exists to
// prove the pieces assemble: config load, store open, coordinator
// heartbeats, and the actor-based stream client, all driven by the same
// wiring a real server would use once it grows a transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/streamhouse-io/streamhouse/internal/config"
	"github.com/streamhouse-io/streamhouse/internal/coordinator"
	"github.com/streamhouse-io/streamhouse/internal/logger"
	"github.com/streamhouse-io/streamhouse/internal/store"
	"github.com/streamhouse-io/streamhouse/internal/streamclient"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "streamhoused"
	app.Usage = "run a single streamhouse store node with an in-process coordinator"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:     "config",
			Usage:    "path to a node config file (yaml/toml/json, spec.md §6 env & config)",
			Required: true,
		},
		cli.StringFlag{
			Name:  "tenant",
			Usage: "tenant namespace to create on startup",
			Value: "default",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("streamhoused: %w", err)
	}

	log := logger.New(cfg.Log.Level)
	log.Infof("starting node %s", cfg.NodeID)

	st, err := store.Open(cfg.Store.Path, cfg.Store, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("streamhoused: open store: %w", err)
	}
	defer st.Close()

	policy := coordinator.NewThresholdSwitching(cfg.Coordinator.SwitchThreshold, cfg.Coordinator.HeartbeatTTL)
	coord := coordinator.New(policy, log.WithField("component", "coordinator"))

	tenantID := c.String("tenant")
	if err := coord.CreateTenant(tenantID); err != nil {
		return fmt.Errorf("streamhoused: create tenant: %w", err)
	}

	copySet := []string{cfg.NodeID}
	streamID, err := coord.CreateStream(tenantID, copySet)
	if err != nil {
		return fmt.Errorf("streamhoused: create stream: %w", err)
	}
	log.WithField("stream", streamID).Infof("registered stream under tenant %s", tenantID)

	transport := &localTransport{store: st, self: cfg.NodeID, streamID: streamID}
	sm := streamclient.New(streamID, 0, copySet, transport, streamclient.Options{
		Log: log.WithField("component", "streamclient"),
	})
	defer sm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go heartbeatLoop(ctx, coord, sm, streamID, cfg.Coordinator.HeartbeatTTL, log)

	<-sigCh
	log.Infof("shutting down")
	return nil
}

// heartbeatLoop reports this node's stream-client progress to the
// coordinator on a fixed interval and logs whatever commands come back.
// Applying a Promote by actually calling StateMachine.Recover is the
// multi-node story; on a single node there's nothing to recover from, so
// this just demonstrates the wiring spec.md §4.3 describes.
func heartbeatLoop(ctx context.Context, coord *coordinator.Coordinator, sm *streamclient.StateMachine, streamID uint64, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sm.Snapshot()
			cmds, err := coord.Heartbeat(streamID, snap.Epoch, coordinator.ObserverState{
				ObserverID: firstCopy(snap.CopySet),
				AckedIndex: snap.AckedSeq.Index(),
				Role:       toCoordinatorRole(snap.Role),
			}, time.Now())
			if err != nil {
				log.Warnf("heartbeat rejected: %v", err)
				continue
			}
			for _, cmd := range cmds {
				if cmd.Promote != nil {
					log.Infof("coordinator promotes %s to %s at epoch %d",
						cmd.Promote.Leader, cmd.Promote.Role, cmd.Promote.Epoch)
				}
			}
		}
	}
}

func firstCopy(copySet []string) string {
	if len(copySet) == 0 {
		return ""
	}
	return copySet[0]
}

func toCoordinatorRole(r streamclient.Role) coordinator.Role {
	switch r {
	case streamclient.Leader:
		return coordinator.RoleLeader
	case streamclient.Recovering:
		return coordinator.RoleRecovering
	default:
		return coordinator.RoleFollower
	}
}

// localTransport implements streamclient.Transport by calling directly into
// a same-process Store, treating every replica address as this node — the
// stand-in for a gRPC client spec.md's Non-goals exclude.
type localTransport struct {
	store    *store.Store
	self     string
	streamID uint64
}

func (t *localTransport) Write(_ context.Context, msg streamclient.WriteMutate) (uint32, uint32, error) {
	resp, err := t.store.Mutate(&wire.MutateRequest{
		StreamID:    t.streamID,
		WriterEpoch: msg.WriterEpoch,
		Kind:        wire.MutateWrite,
		Write: &wire.WriteRequest{
			SegmentEpoch: msg.SegmentEpoch,
			AckedSeq:     msg.AckedSeq,
			FirstIndex:   msg.FirstIndex,
			Entries:      msg.Entries,
		},
	})
	if err != nil {
		return 0, 0, err
	}
	return resp.Write.MatchedIndex, resp.Write.AckedIndex, nil
}

func (t *localTransport) Seal(_ context.Context, msg streamclient.SealMutate) (uint32, error) {
	resp, err := t.store.Mutate(&wire.MutateRequest{
		StreamID:    t.streamID,
		WriterEpoch: msg.WriterEpoch,
		Kind:        wire.MutateSeal,
		Seal:        &wire.SealRequest{SegmentEpoch: msg.SegmentEpoch},
	})
	if err != nil {
		return 0, err
	}
	return resp.Seal.AckedIndex, nil
}

func (t *localTransport) Learn(_ context.Context, msg streamclient.Learn) ([]wire.Entry, error) {
	return t.store.Read(t.streamID, msg.SegmentEpoch, msg.StartIndex, 1, false)
}
