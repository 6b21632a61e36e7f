package scenario

import "strings"

const (
	// StructureVersion is mixed into every build checksum and stored with each
	// database record. Bumping it invalidates every existing database.
	StructureVersion = "2"

	buildPartLen     = 6
	scenarioPartLen  = 12
	missingBuildPart = "xxxxxx"
)

// Fingerprint holds the checksums identifying one build. An empty string means
// the checksum does not apply (source checks off, scenario databases off, or an
// engine without snapshots).
type Fingerprint struct {
	BuildChecksum    string
	ScenarioChecksum string
	SnapshotChecksum string
}

// BuildPart returns the build checksum part used in names.
func BuildPart(buildChecksum string) string {
	if buildChecksum == "" {
		return missingBuildPart
	}
	return truncate(buildChecksum, buildPartLen)
}

// MissingBuildPart is the build part used when no build checksum applies.
func MissingBuildPart() string { return missingBuildPart }

// ScenarioPart returns the scenario or snapshot checksum part used in names.
func ScenarioPart(checksum string) string {
	return truncate(checksum, scenarioPartLen)
}

// DatabaseName returns the physical database name for the settings and fingerprint:
//
//	<databasePrefix><origName>_<build6>_<scenario12>[_<modifier>]
//
// When scenario databases are off, the original name is used.
func DatabaseName(s Settings, fp Fingerprint) string {
	var b strings.Builder
	if s.UsingScenarios() {
		b.WriteString(s.DatabasePrefix)
		b.WriteString(s.Database)
		b.WriteString("_")
		b.WriteString(BuildPart(fp.BuildChecksum))
		if part := ScenarioPart(fp.ScenarioChecksum); part != "" {
			b.WriteString("_")
			b.WriteString(part)
		}
	} else {
		b.WriteString(s.Database)
	}
	if s.DatabaseModifier != "" {
		b.WriteString("_")
		b.WriteString(s.DatabaseModifier)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
