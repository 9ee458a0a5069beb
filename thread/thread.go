// Package thread groups messages into conversation threads by walking
// In-Reply-To chains back to their root. Hidden messages keep their threading
// metadata, so replies to a hidden message still land in the right thread.
package thread

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/model"
)

// Item is the minimal view of a message the resolver needs. MessageID and
// InReplyTo are expected in normalized form.
type Item struct {
	ID        string
	MessageID string
	InReplyTo string
}

// Roots resolves the thread identifier for every item: the message id of the
// chain's root, or the root's row id when it never carried a message id.
// Cycles and references to messages outside the set terminate at the last
// resolvable ancestor.
func Roots(items []Item) map[string]string {
	byMessageID := make(map[string]Item, len(items))
	for _, it := range items {
		if it.MessageID != "" {
			byMessageID[it.MessageID] = it
		}
	}

	roots := make(map[string]string, len(items))
	for _, it := range items {
		roots[it.ID] = findRoot(it, byMessageID)
	}
	return roots
}

func findRoot(item Item, byMessageID map[string]Item) string {
	current := item
	seen := make(map[string]struct{})
	for {
		parentRef := current.InReplyTo
		if parentRef == "" {
			break
		}
		if _, ok := seen[parentRef]; ok {
			break
		}
		seen[parentRef] = struct{}{}

		parent, ok := byMessageID[parentRef]
		if !ok {
			break
		}
		current = parent
	}

	if current.MessageID != "" {
		return current.MessageID
	}
	return current.ID
}

// Assigner persists thread ids for a case.
type Assigner struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewAssigner(db *gorm.DB, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assigner{db: db, logger: logger}
}

// Run recomputes thread ids for every message in the case, hidden ones
// included, and writes back only the rows whose thread id changed. Re-running
// on unchanged data writes nothing.
func (a *Assigner) Run(ctx context.Context, caseID string) (int, error) {
	var rows []struct {
		ID        string
		MessageID string
		InReplyTo string
		ThreadID  string
	}
	err := a.db.WithContext(ctx).
		Model(&model.Message{}).
		Select("id", "message_id", "in_reply_to", "thread_id").
		Where("case_id = ?", caseID).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load messages for threading: %w", err)
	}

	items := make([]Item, len(rows))
	current := make(map[string]string, len(rows))
	for i, r := range rows {
		items[i] = Item{ID: r.ID, MessageID: r.MessageID, InReplyTo: r.InReplyTo}
		current[r.ID] = r.ThreadID
	}

	roots := Roots(items)

	// Group changed rows by their new thread id to batch the updates.
	changed := make(map[string][]string)
	for id, tid := range roots {
		if current[id] != tid {
			changed[tid] = append(changed[tid], id)
		}
	}

	updated := 0
	for tid, ids := range changed {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		err := a.db.WithContext(ctx).
			Model(&model.Message{}).
			Where("id IN ?", ids).
			Update("thread_id", tid).Error
		if err != nil {
			return updated, fmt.Errorf("assign thread %s: %w", tid, err)
		}
		updated += len(ids)
	}

	a.logger.Info("threading complete", "caseId", caseID, "messages", len(rows), "updated", updated)
	return updated, nil
}
