// Package audit provides a best-effort administrative audit trail. Failures to
// persist an entry are logged and never affect the calling operation.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit/domain"
	auditrepo "rights-control-engine/internal/audit/repository"
)

// SentinelActor is recorded when no actor is attached to the context
// (e.g. background sweeps or automated responses).
const SentinelActor = "_system"

// ActorExtractor returns the acting principal from the request context.
type ActorExtractor func(context.Context) string

// Logger writes a single audit event with explicit action/resource.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type Logger interface {
	LogEvent(ctx context.Context, action, resource, metadata string)
}

// RepoLogger implements Logger using the audit repository and an optional actor extractor.
type RepoLogger struct {
	repo           auditrepo.Repository
	actorExtractor ActorExtractor
}

// NewLogger returns a Logger that persists to repo. actorExtractor may be nil;
// then the sentinel actor is recorded.
func NewLogger(repo auditrepo.Repository, actorExtractor ActorExtractor) *RepoLogger {
	return &RepoLogger{repo: repo, actorExtractor: actorExtractor}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *RepoLogger) LogEvent(ctx context.Context, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	actor := SentinelActor
	if l.actorExtractor != nil {
		if a := l.actorExtractor(ctx); a != "" {
			actor = a
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", action, resource, err)
	}
}

// Log is a nil-safe helper for services holding an optional Logger.
func Log(ctx context.Context, l Logger, action, resource, metadata string) {
	if l == nil {
		return
	}
	l.LogEvent(ctx, action, resource, metadata)
}
