// Package workflow provides the business boundary for vanguard's alert
// response workflow. It defines the Service (identifier assignment, status
// reads), the Pipeline (the stage state machine and its failure-isolation
// policy), the Store interface (per-field persistence), the Notifier
// interface, and the domain models exchanged with remote stages.
package workflow
