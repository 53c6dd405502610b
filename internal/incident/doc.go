// Package incident provides the business boundary for Lookout's report workflow.
// It defines the Orchestrator (translate/evaluate loop, extraction, action
// planning, idempotent execution), the Service (intake, dedup, async dispatch),
// the schema gate every generator payload passes through, and the sink
// interfaces implemented by memstore, pgstore, sqlitestore and notify.
package incident
