// Package audit records one structured entry per moderation action.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Action names an audited operation.
type Action string

const (
	ActionProtect        Action = "protect"
	ActionUnprotect      Action = "unprotect"
	ActionHideVersion    Action = "hide_version"
	ActionUnhideVersion  Action = "unhide_version"
	ActionDeleteVersion  Action = "delete_version"
	ActionDeleteDocument Action = "delete_document"
	ActionMerge          Action = "merge"
	ActionBlock          Action = "block"
	ActionUnblock        Action = "unblock"
)

// Entry describes one action. Zero ids are omitted.
type Entry struct {
	Action       Action
	ActorID      int64
	DocumentID   int64
	VersionID    int64
	TargetID     int64 // merge destination
	TargetUserID int64
	Comment      string
	Time         time.Time
}

// Recorder receives audit entries. Recording never fails the action.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Logger writes entries through zerolog.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger()}
}

func (l *Logger) Record(_ context.Context, e Entry) {
	ev := l.log.Info().Str("action", string(e.Action)).Int64("actor_id", e.ActorID)
	if e.DocumentID != 0 {
		ev = ev.Int64("document_id", e.DocumentID)
	}
	if e.VersionID != 0 {
		ev = ev.Int64("version_id", e.VersionID)
	}
	if e.TargetID != 0 {
		ev = ev.Int64("target_id", e.TargetID)
	}
	if e.TargetUserID != 0 {
		ev = ev.Int64("target_user_id", e.TargetUserID)
	}
	if e.Comment != "" {
		ev = ev.Str("comment", e.Comment)
	}
	if !e.Time.IsZero() {
		ev = ev.Time("at", e.Time)
	}
	ev.Msg("audit")
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
