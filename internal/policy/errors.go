package policy

import "fmt"

// VetoReason explains a denied write. It is not persisted as a row; it is
// carried inside VetoError and mirrored into the audit log.
type VetoReason struct {
	Reason         string         `json:"reason"`
	PolicyViolated string         `json:"policy_violated"`
	Severity       string         `json:"severity"`
	Details        map[string]any `json:"details,omitempty"`
}

// VetoError is returned when the gateway denies a write. Nothing is
// persisted for a vetoed write; the veto itself is always audited.
type VetoError struct {
	Veto *VetoReason
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("policy: write vetoed by %s: %s", e.Veto.PolicyViolated, e.Veto.Reason)
}
