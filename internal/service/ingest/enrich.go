package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/rubberband/internal/domain"
	"github.com/animus-labs/rubberband/internal/vcs/gitlab"
)

// CommitLookup resolves commits and user names on the version control host.
type CommitLookup interface {
	CommitData(ctx context.Context, projectID, sha string) (gitlab.Commit, error)
	Username(ctx context.Context, query string) (string, error)
}

// runInitiator maps the uploading identity to a VCS username when a VCS
// is configured.
func (s *Service) runInitiator(ctx context.Context, user string) string {
	if s.vcs == nil || strings.TrimSpace(user) == "" {
		return user
	}
	name, err := s.vcs.Username(ctx, user)
	if err != nil || name == "" {
		s.logger.Warn("username lookup failed", "user", user, "error", wrap(KindEnrichment, "username lookup", err))
		return user
	}
	return name
}

// enrichCommit strips the dirty marker from the run's git hash and attaches
// commit details. Lookup failures leave the run without commit data.
func (s *Service) enrichCommit(ctx context.Context, run *domain.Run, report *domain.ImportReport, fileID string) {
	if run.GitHash == "" {
		return
	}
	if strings.HasSuffix(run.GitHash, "-dirty") {
		run.GitHashDirty = true
		run.GitHash = strings.TrimSuffix(run.GitHash, "-dirty")
	}

	solver := strings.ToLower(strings.TrimSpace(run.Solver))
	projectID := s.cfg.ProjectIDs[solver]
	if projectID == "" {
		report.LogMessage(fileID, fmt.Sprintf("No project id specified for %s. Skipping commit lookup.", solver))
		return
	}
	if s.vcs == nil {
		return
	}

	commit, err := s.vcs.CommitData(ctx, projectID, run.GitHash)
	if err != nil {
		s.logger.Warn("commit lookup failed",
			"git_hash", run.GitHash,
			"project_id", projectID,
			"error", wrap(KindEnrichment, "commit lookup", err),
		)
		report.LogMessage(fileID, fmt.Sprintf("Couldn't find commit %s in Gitlab. Continuing without commit data.", run.GitHash))
		return
	}
	run.GitCommitID = commit.ID
	if !commit.AuthoredAt.IsZero() {
		authored := commit.AuthoredAt.UTC()
		run.GitCommitTimestamp = &authored
	}
	run.GitCommitAuthor = commit.AuthorEmail
	if commit.AuthorEmail != "" {
		if name, err := s.vcs.Username(ctx, commit.AuthorEmail); err == nil && name != "" {
			run.GitCommitAuthor = name
		}
	}
}
