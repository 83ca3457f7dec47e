// Package harness runs sync scenarios against the engine.
//
// A scenario seeds an in-memory remote, starts an engine over SQLite-backed
// tables, runs a sequence of steps and checks the final state. Every step
// waits for the engine to go idle, so the trace of emitted events is the
// same on every run and can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: forward_reference
//	description: "A note pulled before its folder is attached later"
//	config: |
//	  types: {
//	    Note: relationships: folder: "Folder"
//	    Folder: {}
//	  }
//	  retry: {base: "1ms", max: "4ms"}
//	remote:
//	  page_size: 2
//	seed:
//	  - {type: Note, key: n1, fields: {title: hello}, refs: {folder: [f1]}}
//	steps:
//	  - {op: fail, call: submit, codes: [NETWORK_FAILURE]}
//	  - {op: upsert, type: Note, key: n2, fields: {title: draft}}
//	  - {op: notify}
//	expect:
//	  remote:
//	    - {type: Note, key: n2, fields: {title: draft}}
//	  local:
//	    - {type: Note, key: n2, dirty: false}
//	  calls: {submit: 2}
//	  pending: 0
//
// config holds inline CUE; config_file names a CUE file relative to the
// scenario instead. See Step for the available operations.
//
// # Determinism
//
// Batch and operation identifiers are replaced by labels (batch-1, op-1)
// in first-seen order, and the events of one step are ordered by kind and
// batch. While operations are held (op: hold) the engine never goes idle;
// events are then reported with the restart that ends the hold.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/retry.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
