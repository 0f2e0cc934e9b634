// Package deployment holds the run model shared by targets, pipelines and processors:
// change sets, deployments and per-processor execution records.
package deployment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMode is returned for deployment modes other than PUBLISH and SEARCH_INDEX
var ErrUnknownMode = errors.New("unknown deployment mode")

// Status is the terminal outcome of a deployment or processor execution
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusFailure     Status = "FAILURE"
	StatusInterrupted Status = "INTERRUPTED"
)

// Mode selects which processors take part in a run
type Mode string

const (
	// ModePublish is the canonical mode; only it advances the shared processed-commit cursor
	ModePublish Mode = "PUBLISH"
	// ModeSearchIndex rebuilds search indexes and reads the cursor without advancing it
	ModeSearchIndex Mode = "SEARCH_INDEX"
)

// ParseMode parses a mode name, case-insensitively
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModePublish:
		return ModePublish, nil
	case ModeSearchIndex:
		return ModeSearchIndex, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
}

// Well-known deployment params
const (
	// ParamMode selects the deployment mode at creation time
	ParamMode = "deployment_mode"
	// ParamReprocessAllFiles treats the whole repository as new
	ParamReprocessAllFiles = "reprocess_all_files"
	// ParamFromCommitID overrides the stored cursor as the diff base
	ParamFromCommitID = "from_commit_id"
	// ParamLatestCommitID carries the resolved HEAD from the diff step to later processors
	ParamLatestCommitID = "latest_commit_id"
	// ParamJumpingTo holds the label every main-phase processor is skipped until
	ParamJumpingTo = "jumping_to_label"
)

// TargetRef identifies the target that owns a deployment
type TargetRef struct {
	ID       string `json:"id" msgpack:"id"`
	Env      string `json:"env" msgpack:"env"`
	SiteName string `json:"site_name" msgpack:"site_name"`
}
