package server

import (
	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/dataset"
	"github.com/danshapiro/statflow/internal/workflow"
)

// CreateSessionRequest is the optional POST /sessions body.
type CreateSessionRequest struct {
	// SessionID is optional. If empty, a ULID is generated.
	SessionID string `json:"session_id,omitempty"`
}

// NavigateRequest is the POST /sessions/{id}/navigate body.
type NavigateRequest struct {
	Stage string `json:"stage"`
}

// RunRequest is the POST /sessions/{id}/run body. Empty selections are
// prefilled from the session's lineage.
type RunRequest struct {
	Procedure string          `json:"procedure"`
	Inputs    analysis.Inputs `json:"inputs"`
}

// ProfileResponse is returned by GET /sessions/{id}/profile.
type ProfileResponse struct {
	Rows    int                     `json:"rows"`
	Columns []dataset.ColumnProfile `json:"columns"`
}

// PromoteResponse is returned by POST /sessions/{id}/promote.
type PromoteResponse struct {
	Stage   workflow.Stage    `json:"stage"`
	Lineage *workflow.Lineage `json:"lineage"`
}

// ErrorResponse is a standard error envelope. Kind and Remediation are set
// for procedure failures.
type ErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Details     string `json:"details,omitempty"`
}
