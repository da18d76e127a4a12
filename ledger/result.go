package ledger

// Outcome is what a mutation did.
type Outcome string

const (
	// OutcomeCreated means a new mutation was applied.
	OutcomeCreated Outcome = "created"
	// OutcomeAlreadyProcessed means the idempotency key was seen before and
	// the original transaction is returned unchanged.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeRejected means a business rule refused the mutation. Nothing
	// was written; Reason says why.
	OutcomeRejected Outcome = "rejected"
)

// Result is returned by every mutating Service call.
type Result struct {
	Outcome     Outcome
	Wallet      Wallet
	Transaction Transaction
	Reason      error
}

func (r Result) Created() bool          { return r.Outcome == OutcomeCreated }
func (r Result) AlreadyProcessed() bool { return r.Outcome == OutcomeAlreadyProcessed }
func (r Result) Rejected() bool         { return r.Outcome == OutcomeRejected }

// Err returns Reason for rejected results and nil otherwise.
func (r Result) Err() error {
	if r.Outcome == OutcomeRejected {
		return r.Reason
	}
	return nil
}

func created(w Wallet, t Transaction) Result {
	return Result{Outcome: OutcomeCreated, Wallet: w, Transaction: t}
}

func replayed(w Wallet, t Transaction) Result {
	return Result{Outcome: OutcomeAlreadyProcessed, Wallet: w, Transaction: t}
}

func rejected(reason error) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}
