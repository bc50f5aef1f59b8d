package app

import (
	"fmt"

	"rolewarden/internal/opqueue"
	"rolewarden/internal/ops"
	"rolewarden/internal/platform"
	"rolewarden/internal/tier"
)

// Deps carries the external collaborators the app cannot construct itself:
// the community-platform client, the enforcement state source and the
// membership-tier lookup. The binary wires real implementations; tests wire
// fakes.
type Deps struct {
	// Client talks to the community platform. Required.
	Client platform.Client

	// Bulk performs batched membership mutations. Optional; when nil and
	// Client implements platform.BulkClient, Client is used.
	Bulk platform.BulkClient

	// States supplies decision inputs for enforcement operations. Required.
	States opqueue.StateSource

	// Tiers resolves membership tiers for priority and rate-limit headroom.
	// Optional; without it every member scores 0 and limits stay at base.
	Tiers tier.Lookup

	// Adapter overrides the Telegram operator-chat adapter, e.g. for a dry
	// run without a bot token. Optional.
	Adapter ops.Adapter
}

func (d *Deps) validate() error {
	if d.Client == nil {
		return fmt.Errorf("deps: platform client is required")
	}
	if d.States == nil {
		return fmt.Errorf("deps: enforcement state source is required")
	}
	if d.Bulk == nil {
		bc, ok := d.Client.(platform.BulkClient)
		if !ok {
			return fmt.Errorf("deps: bulk client is required (platform client does not implement it)")
		}
		d.Bulk = bc
	}
	return nil
}
