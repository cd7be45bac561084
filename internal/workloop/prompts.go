package workloop

import (
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/vcs"
)

func taskHeader(b *strings.Builder, p domain.Project, t *domain.Task) {
	fmt.Fprintf(b, "Project: %s (%s)\n", p.Name, p.ProjectID)
	if p.RepoPath != "" {
		fmt.Fprintf(b, "Repository: %s\n", p.RepoPath)
	}
	fmt.Fprintf(b, "Task %s: %s\n", t.TaskID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(b, "\n%s\n", strings.TrimSpace(t.Description))
	}
}

func workerPrompt(p domain.Project, t *domain.Task, role domain.Role) string {
	var b strings.Builder
	taskHeader(&b, p, t)
	b.WriteString("\n")
	switch role {
	case domain.RoleFixer:
		b.WriteString("A reviewer left feedback on this task's pull request. Address every point, push to the same branch and record the branch and PR number on the task.\n")
	case domain.RolePM:
		b.WriteString("Break this task down into concrete backlog items and record them.\n")
	default:
		b.WriteString("Implement this task on a new branch, open a pull request and record the branch and PR number on the task.\n")
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(&b, "Previous attempts: %d. Check the task comments for what went wrong.\n", t.RetryCount)
	}
	b.WriteString("If you are blocked on a decision, raise a signal with your question and stop.\n")
	return b.String()
}

func reviewerPrompt(p domain.Project, t *domain.Task, pr *vcs.PullRequest) string {
	var b strings.Builder
	taskHeader(&b, p, t)
	fmt.Fprintf(&b, "\nReview pull request #%d (%s).\n", pr.Number, pr.URL)
	b.WriteString("Merge it if it is correct and complete. Otherwise reply with specific, actionable feedback and do not merge.\n")
	return b.String()
}

func conflictPrompt(p domain.Project, t *domain.Task, pr *vcs.PullRequest, attempt, limit int) string {
	var b strings.Builder
	taskHeader(&b, p, t)
	fmt.Fprintf(&b, "\nPull request #%d on branch %s has merge conflicts with the base branch.\n", pr.Number, pr.HeadRefName)
	fmt.Fprintf(&b, "Rebase or merge the base branch, resolve the conflicts and push. Attempt %d of %d.\n", attempt, limit)
	return b.String()
}

func analyzerPrompt(p domain.Project, t *domain.Task, outcome string) string {
	var b strings.Builder
	taskHeader(&b, p, t)
	fmt.Fprintf(&b, "\nThe agent session %s for this task ended with outcome %q (status %s, retries %d).\n",
		t.SessionKey, outcome, t.Status, t.RetryCount)
	b.WriteString("Read its transcript and summarize what went well, what went wrong and what should change in how such tasks are prompted.\n")
	return b.String()
}

func signalDigest(p domain.Project, t *domain.Task, signals []domain.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Task %s", p.ProjectID, t.TaskID)
	if t.Title != "" {
		fmt.Fprintf(&b, " (%s)", t.Title)
	}
	b.WriteString(" is waiting on you:\n")
	for _, s := range signals {
		fmt.Fprintf(&b, "- %s [signal %s]\n", strings.TrimSpace(s.Question), s.SignalID)
	}
	return b.String()
}

func triageMessage(p domain.Project, t *domain.Task, reason string, attempt, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Task %s needs attention (triage %d/%d): %s\n", p.ProjectID, t.TaskID, attempt, limit, reason)
	fmt.Fprintf(&b, "Title: %s\nStatus: %s, retries %d", t.Title, t.Status, t.RetryCount)
	if t.PRNumber > 0 {
		fmt.Fprintf(&b, ", PR #%d", t.PRNumber)
	}
	if t.AgentPreview != "" {
		fmt.Fprintf(&b, "\nLast agent output: %s", t.AgentPreview)
	}
	b.WriteString("\n")
	return b.String()
}

func escalationMessage(p domain.Project, t *domain.Task, attempts int) string {
	return fmt.Sprintf("[%s] Task %s (%s) escalated after %d automatic triage attempts. It will not be triaged again until a human acts.\n",
		p.ProjectID, t.TaskID, t.Title, attempts)
}
