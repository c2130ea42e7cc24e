package pyenvd

import "time"

// Checkpoint is an immutable snapshot of an EnvironmentState, captured by
// the Transaction Engine before and after every transaction.
type Checkpoint struct {
	ID            string
	Description   string
	TransactionID string // empty if not associated with a transaction
	State         EnvironmentState
	CreatedAt     time.Time
}
