package domain

import "time"

// Deployment statuses. Transitions are monotonic: pending may move to
// in_progress, failed, or cancelled; in_progress to succeeded, failed, or
// cancelled. Terminal records never change again.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DeploymentRecord captures a single attempt to publish a portfolio.
type DeploymentRecord struct {
	ID                   string     `json:"deploymentId"`
	UserID               string     `json:"userId"`
	PortfolioID          string     `json:"portfolioId"`
	TemplateName         string     `json:"templateName"`
	ProjectName          string     `json:"projectName"`
	Status               string     `json:"status"`
	URL                  string     `json:"url,omitempty"`
	CustomDomain         string     `json:"customDomain,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	PlatformDeploymentID string     `json:"-"`
	PlatformProjectID    string     `json:"-"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// DeploymentTransition describes a compare-and-transition request against a
// stored record. The update applies only while the record's current status is
// one of From; a failed compare leaves the record untouched.
type DeploymentTransition struct {
	DeploymentID         string
	From                 []string
	To                   string
	URL                  string
	ErrorMessage         string
	PlatformDeploymentID string
	PlatformProjectID    string
	CompletedAt          *time.Time
}
