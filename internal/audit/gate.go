package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/routing"
)

// Gate runs the primary and secondary reviewers and combines their
// decisions.
type Gate struct {
	primary   Reviewer
	secondary Reviewer
	logger    *zap.Logger
}

// NewGate creates a gate. Both reviewers are required.
func NewGate(primary, secondary Reviewer, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{primary: primary, secondary: secondary, logger: logger.Named("audit")}
}

// Evaluate reviews sub with the primary reviewer, then the secondary,
// whatever the primary decided. It always returns a definitive decision.
func (g *Gate) Evaluate(ctx context.Context, sub Submission) Combined {
	primary := g.review(ctx, g.primary, sub)
	secondary := g.review(ctx, g.secondary, sub)

	c := Combine(primary, secondary)
	g.logger.Info("audit completed",
		zap.String("slug", sub.Slug),
		zap.String("status", string(c.Status)),
		zap.String("primary", string(primary.Status)),
		zap.String("secondary", string(secondary.Status)),
		zap.Int("blocking_issues", len(c.BlockingIssues)),
	)
	return c
}

func (g *Gate) review(ctx context.Context, r Reviewer, sub Submission) Decision {
	role := r.Role()
	d, err := r.Review(ctx, sub)
	if err != nil {
		g.logger.Warn("reviewer failed", zap.String("reviewer", string(role)), zap.Error(err))
		return Fail(role, "review could not be completed", fmt.Sprintf("%s could not complete the review: %v", role, err))
	}
	if err := d.Validate(); err != nil {
		return Fail(role, "reviewer returned an invalid decision", fmt.Sprintf("%s returned an invalid decision: %v", role, err))
	}
	if d.Reviewer == "" {
		d.Reviewer = role
	}
	return d
}

// Reviewers returns the primary and secondary reviewer roles in order.
func (g *Gate) Reviewers() []routing.ReviewerRole {
	return []routing.ReviewerRole{g.primary.Role(), g.secondary.Role()}
}
