// Package remote lets one process ask another to build its database.
package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"scenariodb/internal/scenario"
)

// DTOVersion is bumped whenever Payload changes shape. Both sides must agree.
const DTOVersion = 1

// maxPayloadBytes bounds the request body the server will read.
const maxPayloadBytes = 1 << 20

// Payload is the resolved build request sent to a remote builder.
type Payload struct {
	DTOVersion int `json:"dtoVersion"`

	ProjectName      string          `json:"projectName"`
	TestName         string          `json:"testName"`
	Connection       string          `json:"connection"`
	Driver           scenario.Driver `json:"driver"`
	Database         string          `json:"database"`
	DatabaseModifier string          `json:"databaseModifier"`

	Scenario scenario.Spec `json:"scenario"`

	CheckForSourceChanges      bool   `json:"checkForSourceChanges"`
	PreCalculatedBuildChecksum string `json:"preCalculatedBuildChecksum"`

	ReuseTransaction  bool `json:"reuseTransaction"`
	ReuseJournal      bool `json:"reuseJournal"`
	ScenarioDatabases bool `json:"scenarioDatabases"`
	VerifyStructure   bool `json:"verifyStructure"`
	VerifyData        bool `json:"verifyData"`
	IsBrowserTest     bool `json:"isBrowserTest"`
	ForceRebuild      bool `json:"forceRebuild"`

	SnapshotsWhenReusing    scenario.SnapshotPolicy `json:"snapshotsWhenReusing"`
	SnapshotsWhenNotReusing scenario.SnapshotPolicy `json:"snapshotsWhenNotReusing"`

	SessionDriver string `json:"sessionDriver"`
}

// VersionMismatchError is returned when the two sides speak different payload versions.
type VersionMismatchError struct {
	Got  int
	Want int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("remote build payload version %d does not match version %d: upgrade both sides to the same release", e.Got, e.Want)
}

// NewPayload captures the settings of a build that is about to be delegated.
func NewPayload(s scenario.Settings) Payload {
	return Payload{
		DTOVersion:                 DTOVersion,
		ProjectName:                s.ProjectName,
		TestName:                   s.TestName,
		Connection:                 s.Connection,
		Driver:                     s.Driver,
		Database:                   s.Database,
		DatabaseModifier:           s.DatabaseModifier,
		Scenario:                   s.Scenario.Clone(),
		CheckForSourceChanges:      s.CheckForSourceChanges,
		PreCalculatedBuildChecksum: s.PreCalculatedBuildChecksum,
		ReuseTransaction:           s.ReuseTransaction,
		ReuseJournal:               s.ReuseJournal,
		ScenarioDatabases:          s.ScenarioDatabases,
		VerifyStructure:            s.VerifyStructure,
		VerifyData:                 s.VerifyData,
		IsBrowserTest:              s.IsBrowserTest,
		ForceRebuild:               s.ForceRebuild,
		SnapshotsWhenReusing:       s.SnapshotsWhenReusing,
		SnapshotsWhenNotReusing:    s.SnapshotsWhenNotReusing,
		SessionDriver:              s.SessionDriver,
	}
}

// Settings lays the payload over the receiving side's own settings. Storage
// locations and name prefixes stay local; everything describing the build
// comes from the caller.
func (p Payload) Settings(local scenario.Settings) scenario.Settings {
	s := local.Apply()
	s.ProjectName = p.ProjectName
	s.TestName = p.TestName
	s.Connection = p.Connection
	s.Driver = p.Driver
	s.Database = p.Database
	s.DatabaseModifier = p.DatabaseModifier
	s.Scenario = p.Scenario.Clone()
	s.CheckForSourceChanges = p.CheckForSourceChanges
	s.PreCalculatedBuildChecksum = p.PreCalculatedBuildChecksum
	s.ReuseTransaction = p.ReuseTransaction
	s.ReuseJournal = p.ReuseJournal
	s.ScenarioDatabases = p.ScenarioDatabases
	s.VerifyStructure = p.VerifyStructure
	s.VerifyData = p.VerifyData
	s.IsBrowserTest = p.IsBrowserTest
	s.ForceRebuild = p.ForceRebuild
	s.SnapshotsWhenReusing = p.SnapshotsWhenReusing
	s.SnapshotsWhenNotReusing = p.SnapshotsWhenNotReusing
	s.RemoteCallerSessionDriver = p.SessionDriver
	s.RemoteBuildURL = ""
	s.IsRemoteBuild = true
	return s
}

// Encode writes the payload as JSON.
func (p Payload) Encode(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return nil
}

// Decode reads a payload. The version is checked before anything else, so a
// payload from another release fails with *VersionMismatchError rather than
// an unknown-field error. Unknown fields are rejected.
func Decode(r io.Reader) (Payload, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayloadBytes+1))
	if err != nil {
		return Payload{}, fmt.Errorf("reading payload: %w", err)
	}
	if len(data) > maxPayloadBytes {
		return Payload{}, errors.New("payload too large")
	}

	var head struct {
		DTOVersion *int `json:"dtoVersion"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	if head.DTOVersion == nil {
		return Payload{}, &VersionMismatchError{Got: 0, Want: DTOVersion}
	}
	if *head.DTOVersion != DTOVersion {
		return Payload{}, &VersionMismatchError{Got: *head.DTOVersion, Want: DTOVersion}
	}

	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w", err)
	}
	return p, nil
}
