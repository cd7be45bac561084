package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const prFields = "number,state,mergeable,headRefName,url,title,updatedAt"

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// GH implements ReviewTool by shelling out to gh.
type GH struct {
	command string
	timeout time.Duration
	run     Runner
	logger  zerolog.Logger
}

// NewGH creates a gh-backed review tool. An empty command means "gh".
func NewGH(command string, logger zerolog.Logger) *GH {
	if command == "" {
		command = "gh"
	}
	return &GH{
		command: command,
		timeout: 30 * time.Second,
		run:     execRunner,
		logger:  logger,
	}
}

// WithRunner replaces the command runner.
func (g *GH) WithRunner(r Runner) *GH {
	g.run = r
	return g
}

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func (g *GH) exec(ctx context.Context, repoPath string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.logger.Debug().Str("repo", repoPath).Msgf("executing: %s %s", g.command, strings.Join(args, " "))

	output, err := g.run(ctx, repoPath, g.command, args...)
	if err != nil {
		return nil, fmt.Errorf("gh command failed: %w\nOutput: %s", err, string(output))
	}
	return output, nil
}

// FindPullRequest implements ReviewTool.
func (g *GH) FindPullRequest(ctx context.Context, repoPath, branch string, number int) (*PullRequest, error) {
	if number > 0 {
		out, err := g.exec(ctx, repoPath, "pr", "view", strconv.Itoa(number), "--json", prFields)
		if err != nil {
			return nil, err
		}
		var pr PullRequest
		if err := json.Unmarshal(out, &pr); err != nil {
			return nil, fmt.Errorf("failed to parse gh output: %w", err)
		}
		return &pr, nil
	}
	if branch == "" {
		return nil, nil
	}

	out, err := g.exec(ctx, repoPath, "pr", "list", "--head", branch, "--state", "all", "--limit", "1", "--json", prFields)
	if err != nil {
		return nil, err
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// Comment implements ReviewTool.
func (g *GH) Comment(ctx context.Context, repoPath string, number int, body string) error {
	_, err := g.exec(ctx, repoPath, "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}
