package types

// InviteeFailure records one invitee an evolution could not deliver a
// welcome to, and at which stage it failed.
type InviteeFailure struct {
	PubKey string
	Stage  InviteeStage
	Err    error
}

// InviteeStage identifies where in the pipeline an invitee failed.
type InviteeStage string

const (
	StageResolve InviteeStage = "resolve" // key package fetch
	StageWrap    InviteeStage = "wrap"    // gift-wrap construction
	StagePublish InviteeStage = "publish" // envelope publication
)

// EvolutionResult reports the outcome of one membership evolution. Partial
// successes are reported as such: Welcomed and Failed partition the invitee
// set so callers can retry only the failed subset.
type EvolutionResult struct {
	GroupID  GroupID
	Epoch    uint64 // epoch after the merge
	Welcomed []string
	Failed   []InviteeFailure

	// CommitQueued is true when the commit could not be published
	// immediately and was parked in the outbox for retry. The local merge
	// has still happened.
	CommitQueued bool
}

// Partial reports whether some but not all invitees were welcomed.
func (r *EvolutionResult) Partial() bool {
	return len(r.Failed) > 0 && len(r.Welcomed) > 0
}
