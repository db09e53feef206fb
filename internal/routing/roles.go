package routing

import "strings"

// Role is an executor role a batch can be routed to.
type Role string

const (
	RoleConservativeFix Role = "conservative-fix" // minimal-diff, low-risk fixes
	RoleHighAutonomy    Role = "high-autonomy"    // multi-area changes end to end
	RoleDeploymentGate  Role = "deployment-gate"
	RoleSchemaMigration Role = "schema-migration"
	RolePerformance     Role = "performance"
)

// Roles is the closed set of executor roles, in display order.
var Roles = []Role{
	RoleConservativeFix,
	RoleHighAutonomy,
	RoleDeploymentGate,
	RoleSchemaMigration,
	RolePerformance,
}

// ParseRole returns the Role named by s. Matching ignores case and
// surrounding whitespace.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// ReviewerRole is an audit role listed in a batch's reviewers.
type ReviewerRole string

const (
	ReviewerStrictGate ReviewerRole = "strict-gate"
	ReviewerZeroTrust  ReviewerRole = "zero-trust"
)

// ReviewerRoles is the closed set of reviewer roles; the first is the
// primary gate.
var ReviewerRoles = []ReviewerRole{ReviewerStrictGate, ReviewerZeroTrust}

var reviewerAliases = map[string]ReviewerRole{
	"reviewer-audit": ReviewerStrictGate,
	"self-auditing":  ReviewerZeroTrust,
}

// ParseReviewerRole returns the ReviewerRole named by s, resolving aliases.
func ParseReviewerRole(s string) (ReviewerRole, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, r := range ReviewerRoles {
		if string(r) == s {
			return r, true
		}
	}
	r, ok := reviewerAliases[s]
	return r, ok
}

// Risk is the declared risk level of a batch.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk returns the Risk named by s. An empty string means RiskMedium.
func ParseRisk(s string) (Risk, bool) {
	switch Risk(strings.ToLower(strings.TrimSpace(s))) {
	case "", RiskMedium:
		return RiskMedium, true
	case RiskLow:
		return RiskLow, true
	case RiskHigh:
		return RiskHigh, true
	default:
		return "", false
	}
}
