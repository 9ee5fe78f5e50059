// Package runner executes scenarios against a binding registry.
//
// The main components are:
//   - TestCaseRunner: runs the attempts of one scenario, its hooks and its steps
//   - Runtime: runs a list of scenarios serially, with run-level hooks around them
//   - EventBus: fans the envelopes of a run out to sinks in publication order
//   - Collector: rebuilds per-scenario results from envelopes, whatever process emitted them
//   - ProgressIndicator: logs periodic progress while a run is going
//
// Every observable fact of a run is an envelope, so a serial run and a parallel run that
// forwards envelopes from workers produce the same results.
package runner
