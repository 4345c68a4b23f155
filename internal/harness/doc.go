// Package harness runs multi-instance sync scenarios against real engines.
//
// A scenario names a set of nodes, each an engine over its own in-memory
// store and application. One node, the authority, holds the root
// certificate; every other node receives a child of it. Steps write
// documents and run transfer sessions between nodes in-process, then
// assertions check the documents each node ends with.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	scopes:
//	  - id: full-facility
//	    primary_scope_param_key: mainpartition
//	    read_write_filter_template: "${mainpartition}"
//	root_scope: full-facility
//	authority: a
//	nodes:
//	  - name: a
//	  - name: b
//	steps:
//	  - put: { node: a, partition: shared, source_id: r1, fields: { title: v1 } }
//	  - sync: { client: b, server: a, direction: pull }
//	assertions:
//	  - type: document
//	    node: b
//	    partition: shared
//	    source_id: r1
//	    expect: { title: v1 }
//
// Partitions are written relative to the root certificate ID, which is
// random: "shared" stands for "<root>:shared" and "" for the root itself.
//
// # Assertion Types
//
//   - document: a live document holds the expected fields
//   - absent: a document is not live on a node
//   - deleted: a node's store holds a tombstone for a document
//   - conflicts: a document carries N unresolved conflicting payloads
//   - version: a document was last saved by a node at a counter
//   - converged: nodes hold identical documents at identical versions
//   - document_count: a node holds N live documents
//   - step: a sync step moved N records with the given merge outcomes
//
// # Deterministic Testing
//
// Every node shares one fake clock, advanced a second per step, and
// generates sequential session IDs. Certificate and instance IDs are
// random; snapshots replace them with "<root>" and node names, so a
// scenario's snapshot is identical across runs and can be compared with
// a golden file (see RunWithGolden).
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/fast_forward.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
