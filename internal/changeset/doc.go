// Package changeset computes filter max counters (FMCs).
//
// An FMC summarises, per instance, the highest counter whose data a database
// is known to hold completely for a filter. Peers exchange FMCs so the
// sending side only queues records the receiving side is missing.
//
// The database max counter (DMC) table is keyed by single partition
// prefixes. A DMC row for prefix P also covers every partition under P, so
// the FMC for a filter prefix F is built from the rows of F and of every
// prefix that contains F. Rows for partitions strictly below F say nothing
// about the rest of F and are ignored.
package changeset
