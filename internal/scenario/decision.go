package scenario

// Action is the result of judging one candidate database.
type Action int

const (
	MustBuild Action = iota
	ReuseClean
	ReuseViaJournalRevert
)

func (a Action) String() string {
	switch a {
	case ReuseClean:
		return "reuse"
	case ReuseViaJournalRevert:
		return "reuse-via-journal"
	default:
		return "build"
	}
}

// Verdict explains an Action. Violation is set when the previous test
// committed its wrapping transaction.
type Verdict struct {
	Action    Action
	Reason    string
	Violation bool
}

// Candidate is everything known about a database before deciding whether to reuse it.
type Candidate struct {
	Name        string
	Exists      bool
	Record      *Record
	Fingerprint Fingerprint
	Settings    Settings
}

// Evaluate decides whether a candidate database can be reused. It performs no I/O.
// A database owned by another project is an error whatever its checksums are,
// so it is never reused or replaced.
func Evaluate(c Candidate) (Verdict, error) {
	if !c.Exists {
		return Verdict{Action: MustBuild, Reason: "database does not exist"}, nil
	}
	rec := c.Record
	if rec == nil {
		return Verdict{Action: MustBuild, Reason: "no reuse metadata"}, nil
	}
	if rec.ProjectName != c.Settings.ProjectName {
		return Verdict{}, &OwnershipConflictError{
			Database:     c.Name,
			OwnerProject: rec.ProjectName,
			Project:      c.Settings.ProjectName,
		}
	}
	if rec.Version != StructureVersion {
		return Verdict{Action: MustBuild, Reason: "metadata version changed"}, nil
	}
	if rec.BuildChecksum != c.Fingerprint.BuildChecksum {
		return Verdict{Action: MustBuild, Reason: "source files changed"}, nil
	}
	if rec.ScenarioChecksum != c.Fingerprint.ScenarioChecksum {
		return Verdict{Action: MustBuild, Reason: "scenario changed"}, nil
	}
	if c.Settings.ForceRebuild {
		return Verdict{Action: MustBuild, Reason: "rebuild forced"}, nil
	}

	s := c.Settings
	if s.ReuseTransaction && !rec.UsesTransactions {
		return Verdict{Action: MustBuild, Reason: "database was built without transaction reuse"}, nil
	}
	if s.ReuseTransaction {
		if rec.TransactionReusable {
			return Verdict{Action: ReuseClean, Reason: "transaction was rolled back"}, nil
		}
		return Verdict{Action: MustBuild, Reason: "previous test committed its transaction", Violation: true}, nil
	}
	if s.ReuseJournal && rec.JournalReusable {
		return Verdict{Action: ReuseViaJournalRevert, Reason: "journaled changes can be reverted"}, nil
	}
	return Verdict{Action: MustBuild, Reason: "database is not reusable"}, nil
}
