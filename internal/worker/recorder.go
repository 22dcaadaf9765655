package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mysoftskill/commandfeed/internal/auditlog"
	"github.com/mysoftskill/commandfeed/internal/commands"
	"github.com/mysoftskill/commandfeed/internal/docstore"
	"github.com/mysoftskill/commandfeed/internal/history"
	"github.com/mysoftskill/commandfeed/internal/queue"
	"github.com/mysoftskill/commandfeed/pkg/log"
)

const recorderRetries = 3

// LifecycleRecorder implements queue.Recorder: every terminal outcome lands
// in the command's history record and in the audit log.
type LifecycleRecorder struct {
	history *history.Repository
	audit   *auditlog.Appender
	logger  log.Logger
}

// NewLifecycleRecorder wires history and audit behind the queue.
func NewLifecycleRecorder(h *history.Repository, a *auditlog.Appender, logger log.Logger) *LifecycleRecorder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &LifecycleRecorder{history: h, audit: a, logger: logger.WithComponent("lifecycle")}
}

// CommandCompleted implements queue.Recorder.
func (r *LifecycleRecorder) CommandCompleted(ctx context.Context, item *commands.QueueItem, now time.Time) error {
	if err := r.completeHistory(ctx, item, now); err != nil {
		return err
	}
	return r.audit.Append(ctx, &auditlog.Record{
		CommandID:           item.CommandID,
		Timestamp:           now,
		AgentID:             item.AgentID,
		AssetGroupID:        item.AssetGroupID,
		AssetGroupQualifier: item.AssetGroupQualifier,
		Action:              auditlog.CompletionAction(item.Kind),
		CommandType:         item.Kind,
	})
}

// CommandAbandoned implements queue.Recorder.
func (r *LifecycleRecorder) CommandAbandoned(ctx context.Context, item *commands.QueueItem, reason string, now time.Time) error {
	if err := r.completeHistory(ctx, item, now); err != nil {
		return err
	}
	action := auditlog.ActionNotApplicable
	if reason == queue.ReasonMaxAttemptsExceeded {
		action = auditlog.ActionDeadLettered
	}
	return r.audit.Append(ctx, &auditlog.Record{
		CommandID:               item.CommandID,
		Timestamp:               now,
		AgentID:                 item.AgentID,
		AssetGroupID:            item.AssetGroupID,
		AssetGroupQualifier:     item.AssetGroupQualifier,
		Action:                  action,
		CommandType:             item.Kind,
		NotApplicableReasonCode: reason,
	})
}

// completeHistory marks the record complete, creating it when the command
// never got one. Etag conflicts get a bounded re-read-and-retry.
func (r *LifecycleRecorder) completeHistory(ctx context.Context, item *commands.QueueItem, now time.Time) error {
	var lastErr error
	for attempt := 0; attempt < recorderRetries; attempt++ {
		rec, err := r.history.Query(ctx, item.CommandID, history.FragmentCore)
		if errors.Is(err, docstore.ErrNotFound) {
			rec = &history.Record{
				CommandID: item.CommandID,
				Core: &history.CoreFragment{
					Kind:          item.Kind,
					Subject:       item.Subject,
					CreatedTime:   item.CreatedTime,
					CompletedTime: now,
					IsComplete:    true,
				},
			}
			won, err := r.history.TryInsert(ctx, rec)
			if err != nil {
				return err
			}
			if won {
				return nil
			}
			// Lost the insert race; re-read and replace.
			lastErr = docstore.ErrConflict
			continue
		}
		if err != nil {
			return err
		}
		if rec.Core.IsComplete {
			return nil
		}
		rec.Core.IsComplete = true
		rec.Core.CompletedTime = now
		err = r.history.Replace(ctx, rec, history.FragmentCore)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("complete history %s: %w", item.CommandID, lastErr)
}
