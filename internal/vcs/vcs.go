// Package vcs inspects pull requests through the GitHub CLI.
package vcs

import (
	"context"
	"time"
)

// PR states reported by gh.
const (
	StateOpen   = "OPEN"
	StateMerged = "MERGED"
	StateClosed = "CLOSED"
)

// Mergeability values reported by gh.
const (
	MergeableClean       = "MERGEABLE"
	MergeableConflicting = "CONFLICTING"
	MergeableUnknown     = "UNKNOWN"
)

// PullRequest is the subset of PR data the review phase needs.
type PullRequest struct {
	Number      int       `json:"number"`
	State       string    `json:"state"`
	Mergeable   string    `json:"mergeable"`
	HeadRefName string    `json:"headRefName"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Conflicted reports whether the PR cannot merge cleanly.
func (p *PullRequest) Conflicted() bool {
	return p.Mergeable == MergeableConflicting
}

// ReviewTool finds and annotates pull requests.
type ReviewTool interface {
	// FindPullRequest looks up a PR by number, or by head branch when number
	// is zero. It returns nil, nil when none exists.
	FindPullRequest(ctx context.Context, repoPath, branch string, number int) (*PullRequest, error)
	Comment(ctx context.Context, repoPath string, number int, body string) error
}
