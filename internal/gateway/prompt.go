package gateway

import (
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/routing"
)

// DefaultBriefs describes how each executor role should work. Config may
// replace any of them.
var DefaultBriefs = map[routing.Role]string{
	routing.RoleConservativeFix: "You are a conservative engineer. Make the smallest diff that satisfies the steps. " +
		"Do not refactor, rename or reformat anything the steps do not require.",
	routing.RoleHighAutonomy: "You are a high-autonomy engineer. Implement the steps end to end across every area " +
		"they touch, including tests.",
	routing.RoleDeploymentGate: "You are a deployment engineer. Change build, CI and deployment configuration only as the " +
		"steps require, and prove the pipeline still validates.",
	routing.RoleSchemaMigration: "You are a database engineer. Write forward and rollback migrations, keep them " +
		"idempotent, and never drop data the steps do not name.",
	routing.RolePerformance: "You are a performance engineer. Measure before and after every change and report the " +
		"numbers in results.",
}

// BuildPrompt renders the instruction sent to an executor for one batch.
func BuildPrompt(role routing.Role, brief string, batch routing.ExecutionBatch, bctx BatchContext) string {
	var b strings.Builder

	if brief == "" {
		brief = DefaultBriefs[role]
	}
	b.WriteString(brief)
	b.WriteString("\n\n")

	if bctx.Goal != "" {
		fmt.Fprintf(&b, "GOAL:\n%s\n\n", bctx.Goal)
	}

	fmt.Fprintf(&b, "BATCH: %s (role %s, risk %s)\n", batch.Label, role, batch.Risk)
	if batch.Domain != "" {
		fmt.Fprintf(&b, "DOMAIN: %s\n", batch.Domain)
	}
	if len(batch.Touches) > 0 {
		fmt.Fprintf(&b, "TOUCHES: %s\n", strings.Join(batch.Touches, ", "))
	}
	if bctx.RetryCount > 0 {
		fmt.Fprintf(&b, "ATTEMPT: %d (earlier attempts failed audit; the plan has been revised)\n", bctx.RetryCount+1)
	}

	b.WriteString("\nSTEPS:\n")
	for _, s := range bctx.StepTexts {
		fmt.Fprintf(&b, "- %s\n", s)
	}

	if len(bctx.AcceptanceCriteria) > 0 {
		b.WriteString("\nACCEPTANCE CRITERIA:\n")
		for _, c := range bctx.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(bctx.VerificationCommands) > 0 {
		b.WriteString("\nVERIFICATION (run every command and list it in commands_run):\n")
		for _, c := range bctx.VerificationCommands {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString(`
RULES:
- Work non-interactively. Never ask the user anything and never wait for input.
- If you cannot finish, stop and report status BLOCKED with your questions in questions_for_audit.
- Report only files you actually changed and commands you actually ran. Reviewers re-check both.

End your reply with exactly this block:
`)
	b.WriteString(CompletionShape)
	b.WriteString("\n")
	return b.String()
}

// ReaskPrompt asks for the completion block again after a malformed reply.
func ReaskPrompt(problem error) string {
	return fmt.Sprintf(`Your previous reply did not contain a valid completion block (%v).
Do not redo the work. Reply with only the block below, filled in for the work you did:

%s
`, problem, CompletionShape)
}
