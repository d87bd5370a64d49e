package streamclient

import (
	"context"

	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// Transport is the seam between a state machine's outbound messages and
// whatever actually reaches a replica: a gRPC client, an in-process Store,
// or a test double. Wiring a real network listener is explicitly out of
// scope (spec.md's Non-goals name cross-datacenter replication policy and
// leader election beyond the heartbeat-timeout recommendation as out of
// scope; this package never opens a socket).
type Transport interface {
	// Write sends a Write mutation to a replica and returns its response.
	Write(ctx context.Context, msg WriteMutate) (matchedIndex, ackedIndex uint32, err error)
	// Seal sends a Seal mutation to a replica and returns the acked index
	// it reports.
	Seal(ctx context.Context, msg SealMutate) (ackedIndex uint32, err error)
	// Learn fetches entries from a replica starting at StartIndex, used
	// during recovery to fill gaps before writing a bridge.
	Learn(ctx context.Context, msg Learn) ([]wire.Entry, error)
}
