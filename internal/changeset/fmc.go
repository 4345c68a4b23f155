package changeset

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// DefaultMaxEntries bounds the number of instance entries in one FMC.
const DefaultMaxEntries = 100000

// Ledger is the DMC storage the calculator reads and writes.
type Ledger interface {
	ListDMC(ctx context.Context) ([]ir.DMCEntry, error)
	RaiseDMC(ctx context.Context, partition string, counters ir.Counters) error
}

// Calculator computes FMCs from a DMC ledger.
type Calculator struct {
	ledger     Ledger
	maxEntries int
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithMaxEntries overrides DefaultMaxEntries.
func WithMaxEntries(n int) CalculatorOption {
	return func(c *Calculator) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewCalculator creates a Calculator over ledger.
func NewCalculator(ledger Ledger, opts ...CalculatorOption) *Calculator {
	c := &Calculator{ledger: ledger, maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxEntries returns the configured entry cap.
func (c *Calculator) MaxEntries() int { return c.maxEntries }

// FMC returns the producer view of the filter: the per-instance maximum
// across the filter's prefixes. Use it to decide what a local filter may
// still need to send.
func (c *Calculator) FMC(ctx context.Context, filter partition.Filter) (ir.Counters, error) {
	rows, err := c.ledger.ListDMC(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute fmc: %w", err)
	}
	fmc := ComputeFMC(rows, filter)
	return fmc, c.Check(fmc)
}

// GuaranteedFMC returns the receiver view of the filter: for instances
// known under every prefix, the minimum across prefixes. This is what a
// peer advertises, since it never claims more than the whole filter holds.
func (c *Calculator) GuaranteedFMC(ctx context.Context, filter partition.Filter) (ir.Counters, error) {
	rows, err := c.ledger.ListDMC(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute guaranteed fmc: %w", err)
	}
	fmc := ComputeGuaranteedFMC(rows, filter)
	return fmc, c.Check(fmc)
}

// Check fails with FMC_OVERFLOW if fmc has more entries than allowed. A
// caller that hits it must retry with a coarser filter.
func (c *Calculator) Check(fmc ir.Counters) error {
	if len(fmc) > c.maxEntries {
		return ir.NewError(ir.ErrCodeFMCOverflow,
			"fmc has %d entries, limit is %d; use a coarser filter", len(fmc), c.maxEntries)
	}
	return nil
}

// Record raises the DMC of every prefix of filter to counters. An empty
// filter records against the empty prefix, which covers everything.
func (c *Calculator) Record(ctx context.Context, filter partition.Filter, counters ir.Counters) error {
	if len(counters) == 0 {
		return nil
	}
	prefixes := []string(filter)
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, p := range prefixes {
		if err := c.ledger.RaiseDMC(ctx, p, counters); err != nil {
			return fmt.Errorf("record dmc: %w", err)
		}
	}
	return nil
}

// prefixCounters returns the per-instance maximum over every DMC row whose
// partition contains prefix.
func prefixCounters(rows []ir.DMCEntry, prefix string) ir.Counters {
	out := ir.Counters{}
	for _, row := range rows {
		if partition.Contains(row.Partition, prefix) {
			out.Observe(ir.Version{Instance: row.Instance, Counter: row.Counter})
		}
	}
	return out
}

// ComputeFMC takes, per instance, the maximum counter over all prefixes of
// filter and their containing prefixes.
func ComputeFMC(rows []ir.DMCEntry, filter partition.Filter) ir.Counters {
	out := ir.Counters{}
	for _, p := range filter {
		out = out.Merge(prefixCounters(rows, p))
	}
	return out
}

// ComputeGuaranteedFMC keeps only instances present for every prefix of
// filter and takes the minimum counter across prefixes.
func ComputeGuaranteedFMC(rows []ir.DMCEntry, filter partition.Filter) ir.Counters {
	if len(filter) == 0 {
		return ir.Counters{}
	}
	out := prefixCounters(rows, filter[0])
	for _, p := range filter[1:] {
		next := prefixCounters(rows, p)
		for inst, n := range out {
			m, ok := next[inst]
			switch {
			case !ok:
				delete(out, inst)
			case m < n:
				out[inst] = m
			}
		}
	}
	return out
}

// NeedsSync reports whether a record at version v is missing from a peer
// whose FMC is fmc. An instance absent from fmc counts as never seen.
func NeedsSync(v ir.Version, fmc ir.Counters) bool {
	n, ok := fmc[v.Instance]
	return !ok || n < v.Counter
}

// Diff returns, for each instance where sender is ahead of receiver, the
// receiver's counter (zero when unknown): the lower bound of what must be
// sent.
func Diff(sender, receiver ir.Counters) ir.Counters {
	out := ir.Counters{}
	for inst, n := range sender {
		if m := receiver[inst]; m < n {
			out[inst] = m
		}
	}
	return out
}
