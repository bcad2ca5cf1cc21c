// ABOUTME: Git branch setup composed from host proxy command exchanges.
// ABOUTME: Stashes local changes and restores them if the checkout step fails.

package hostproxy

import (
	"context"
	"fmt"
	"strings"
)

// SetupBranch checks out branchName in workingDir, creating it if needed.
// Local changes are stashed before the checkout and restored if the
// checkout fails, so a failed setup never loses work in progress.
func (c *Client) SetupBranch(ctx context.Context, workingDir, branchName string) error {
	if strings.ContainsAny(branchName, " \t\n;&|$`") {
		return fmt.Errorf("invalid branch name %q", branchName)
	}

	current, err := c.Execute(ctx, "git rev-parse --abbrev-ref HEAD", workingDir)
	if err != nil {
		return fmt.Errorf("checking current branch: %w", err)
	}
	if current.Success && strings.TrimSpace(current.Output) == branchName {
		return nil
	}

	exists, err := c.Execute(ctx, "git rev-parse --verify --quiet refs/heads/"+branchName, workingDir)
	if err != nil {
		return fmt.Errorf("checking branch existence: %w", err)
	}

	stash, err := c.Execute(ctx, "git stash push --include-untracked", workingDir)
	if err != nil {
		return fmt.Errorf("stashing changes: %w", err)
	}
	stashed := stash.Success && !strings.Contains(stash.Output, "No local changes")

	checkout := "git checkout -b " + branchName
	if exists.Success {
		checkout = "git checkout " + branchName
	}

	result, err := c.Execute(ctx, checkout, workingDir)
	if err != nil || !result.Success {
		if stashed {
			if _, popErr := c.Execute(ctx, "git stash pop", workingDir); popErr != nil {
				c.logger.Error("failed to restore stash after checkout failure",
					"working_dir", workingDir,
					"branch", branchName,
					"error", popErr,
				)
			}
		}
		if err != nil {
			return fmt.Errorf("checking out branch %s: %w", branchName, err)
		}
		return fmt.Errorf("checking out branch %s: %s", branchName, strings.TrimSpace(result.Error))
	}

	return nil
}
