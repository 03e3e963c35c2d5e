// Package billing answers the capability questions the engine asks before
// creating a secret: may this owner create another one this month, and how
// large may its attachment be.
package billing

import (
	"fmt"
	"strings"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited disables the monthly secret quota of a plan.
const Unlimited = -1

const mib = 1 << 20

// Limits caps what an owner on a plan may do. A MaxAttachmentBytes of zero
// means attachments are not allowed at all.
type Limits struct {
	MonthlySecrets     int   `yaml:"monthly_secrets"`
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
}

func DefaultPlans() map[Plan]Limits {
	return map[Plan]Limits{
		PlanFree:       {MonthlySecrets: 10, MaxAttachmentBytes: 0},
		PlanPro:        {MonthlySecrets: 100, MaxAttachmentBytes: 10 * mib},
		PlanTeam:       {MonthlySecrets: 500, MaxAttachmentBytes: 50 * mib},
		PlanEnterprise: {MonthlySecrets: Unlimited, MaxAttachmentBytes: 50 * mib},
	}
}

func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanFree, PlanPro, PlanTeam, PlanEnterprise:
		return p, nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}
