// Package dedupe collapses duplicate messages in three passes of decreasing
// strictness. Losers are flagged and pointed at their canonical message; every
// collapse writes one immutable decision row. Nothing is deleted, and re-running
// over the same data produces zero new decisions.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/model"
)

// Strategy selects which cluster member survives.
type Strategy string

const (
	// WinnerEarliest keeps the copy closest to the original send event.
	WinnerEarliest Strategy = "earliest"
	WinnerLatest   Strategy = "latest"
)

// Options configure one dedupe run.
type Options struct {
	CaseID   string
	Strategy Strategy
}

// Summary reports one run.
type Summary struct {
	RunID     string
	Examined  int
	Decisions int
	ByLevel   map[model.DedupeLevel]int
}

type Engine struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, logger: logger}
}

// Run executes the three passes over every message in the case. Messages
// already flagged as duplicates never re-enter clustering, and a message that
// already won a cluster can never become a loser later, so canonical pointers
// always land on a non-duplicate.
func (e *Engine) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Strategy == "" {
		opts.Strategy = WinnerEarliest
	}
	if opts.Strategy != WinnerEarliest && opts.Strategy != WinnerLatest {
		return Summary{}, fmt.Errorf("unknown winner strategy %q", opts.Strategy)
	}

	var messages []model.Message
	err := e.db.WithContext(ctx).
		Select("id", "message_id", "content_hash", "relaxed_hash", "date_sent",
			"ingest_seq", "is_duplicate", "canonical_message_id").
		Where("case_id = ?", opts.CaseID).
		Find(&messages).Error
	if err != nil {
		return Summary{}, fmt.Errorf("load messages: %w", err)
	}

	run := &runState{
		runID:    ulid.Make().String(),
		strategy: opts.Strategy,
		winners:  make(map[string]struct{}),
		byLevel:  make(map[model.DedupeLevel]int),
	}

	// Existing canonical targets must stay winners across runs.
	for i := range messages {
		if messages[i].CanonicalMessageID != nil {
			run.winners[*messages[i].CanonicalMessageID] = struct{}{}
		}
		if !messages[i].IsDuplicate {
			run.unresolved = append(run.unresolved, &messages[i])
		}
	}

	run.pass(model.LevelMessageID, func(m *model.Message) string { return m.MessageID })
	run.pass(model.LevelStrict, func(m *model.Message) string { return m.ContentHash })
	run.pass(model.LevelRelaxed, func(m *model.Message) string { return m.RelaxedHash })

	if err := e.persist(ctx, run); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		RunID:     run.runID,
		Examined:  len(messages),
		Decisions: len(run.decisions),
		ByLevel:   run.byLevel,
	}
	e.logger.Info("dedupe complete",
		"caseId", opts.CaseID,
		"runId", summary.RunID,
		"examined", summary.Examined,
		"decisions", summary.Decisions,
	)
	return summary, nil
}

type runState struct {
	runID    string
	strategy Strategy

	unresolved []*model.Message
	winners    map[string]struct{}
	decisions  []model.DedupeDecision
	byLevel    map[model.DedupeLevel]int
}

// pass clusters the still-unresolved messages by key and collapses every
// cluster with more than one member. Keys are processed in sorted order so a
// run over the same data always emits decisions in the same order.
func (r *runState) pass(level model.DedupeLevel, key func(*model.Message) string) {
	clusters := make(map[string][]*model.Message)
	for _, m := range r.unresolved {
		if k := key(m); k != "" {
			clusters[k] = append(clusters[k], m)
		}
	}

	keys := make([]string, 0, len(clusters))
	for k, cluster := range clusters {
		if len(cluster) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		cluster := clusters[k]
		winner := r.elect(cluster)
		r.winners[winner.ID] = struct{}{}

		for _, m := range cluster {
			if m == winner {
				continue
			}
			m.IsDuplicate = true
			winnerID := winner.ID
			m.CanonicalMessageID = &winnerID
			m.DedupeLevel = level

			r.decisions = append(r.decisions, model.DedupeDecision{
				ID:              uuid.NewString(),
				RunID:           r.runID,
				WinnerMessageID: winner.ID,
				LoserMessageID:  m.ID,
				Level:           level,
				MatchValue:      k,
				StrictHash:      m.ContentHash,
				RelaxedHash:     m.RelaxedHash,
			})
			r.byLevel[level]++
		}
	}

	if len(keys) > 0 {
		remaining := r.unresolved[:0]
		for _, m := range r.unresolved {
			if !m.IsDuplicate {
				remaining = append(remaining, m)
			}
		}
		r.unresolved = remaining
	}
}

// elect picks the surviving message. When the cluster already contains prior
// winners, only they are eligible; demoting an existing winner would leave
// dangling canonical pointers.
func (r *runState) elect(cluster []*model.Message) *model.Message {
	candidates := cluster
	var prior []*model.Message
	for _, m := range cluster {
		if _, ok := r.winners[m.ID]; ok {
			prior = append(prior, m)
		}
	}
	if len(prior) > 0 {
		candidates = prior
	}

	best := candidates[0]
	for _, m := range candidates[1:] {
		if r.better(m, best) {
			best = m
		}
	}
	return best
}

func (r *runState) better(a, b *model.Message) bool {
	ta, tb := dateKey(a.DateSent, r.strategy), dateKey(b.DateSent, r.strategy)
	if !ta.Equal(tb) {
		if r.strategy == WinnerLatest {
			return ta.After(tb)
		}
		return ta.Before(tb)
	}
	return a.IngestSeq < b.IngestSeq
}

// dateKey orders nil dates last for either strategy.
func dateKey(t *time.Time, strategy Strategy) time.Time {
	if t == nil {
		if strategy == WinnerLatest {
			return time.Time{}
		}
		return time.Unix(1<<62, 0)
	}
	return t.UTC()
}

func (e *Engine) persist(ctx context.Context, run *runState) error {
	if len(run.decisions) == 0 {
		return nil
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range run.decisions {
			err := tx.Model(&model.Message{}).
				Where("id = ?", d.LoserMessageID).
				Updates(map[string]any{
					"is_duplicate":         true,
					"canonical_message_id": d.WinnerMessageID,
					"dedupe_level":         d.Level,
				}).Error
			if err != nil {
				return fmt.Errorf("flag duplicate %s: %w", d.LoserMessageID, err)
			}
		}
		if err := tx.CreateInBatches(run.decisions, 200).Error; err != nil {
			return fmt.Errorf("record decisions: %w", err)
		}
		return nil
	})
}
