// Package storage provides a minimal persistence layer for the agent.
//
// It currently supports:
//   - Delivery decision appends (what was shown, where, or why it was not)
//   - Reading back the most recent decisions for status output
//   - Retention pruning, driven by the maintenance scheduler
package storage
