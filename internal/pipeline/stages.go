// Package pipeline is the domain glue: the memory-consolidation stages
// expressed as SQL, run through the fault-tolerant executor and scheduled
// with cron. Each stage degrades independently; a dead inference service
// never stops working-memory capture.
package pipeline

import (
	"github.com/Ladvien/codex-dreams-sub001/internal/resilience/pool"
)

// Step is one SQL operation against one store.
type Step struct {
	Name  string
	Store pool.Key
	SQL   string
	Args  []any
}

// Transfer moves rows between stores: Query runs against From, and for every
// returned row Insert runs against To with args taken from Columns in order.
type Transfer struct {
	Name    string
	From    pool.Key
	Query   string
	To      pool.Key
	Insert  string
	Columns []string
}

// Stage is one consolidation phase. Critical stages hand exhausted failures
// to the dead letter queue instead of dropping them; Enrich stages run
// inference-backed enrichment after their SQL completes.
type Stage struct {
	Name      string
	Critical  bool
	Enrich    bool
	Transfers []Transfer
	Steps     []Step

	// Atomic groups steps into a single transaction per store.
	Atomic bool
}

// Canonical stage names, also used as cron schedule keys.
const (
	StageWorkingMemory   = "working_memory"
	StageShortTermMemory = "short_term_memory"
	StageConsolidation   = "consolidation"
	StageLongTermMemory  = "long_term_memory"
)

// DefaultStages builds the four canonical stages against the given stores.
// The working-memory window follows the Miller capacity heuristic: at most
// nine items, strongest activation wins.
func DefaultStages(postgres, analytics pool.Key) []Stage {
	return []Stage{
		{
			Name: StageWorkingMemory,
			Transfers: []Transfer{{
				Name:  "capture_recent",
				From:  postgres,
				Query: `SELECT memory_id, content, context_tags, captured_at FROM raw_memories WHERE captured_at > NOW() - INTERVAL '5 minutes'`,
				To:    analytics,
				Insert: `INSERT INTO working_memory (memory_id, content, context_tags, activation_level, accessed_count, captured_at, expires_at)
					VALUES (?, ?, ?, 0.6, 1, ?, datetime('now', '+30 minutes'))
					ON CONFLICT (memory_id) DO UPDATE SET
						accessed_count = accessed_count + 1,
						activation_level = min(1.0, activation_level + 0.1),
						expires_at = datetime('now', '+30 minutes')`,
				Columns: []string{"memory_id", "content", "context_tags", "captured_at"},
			}},
			Steps: []Step{
				{
					Name:  "expire_window",
					Store: analytics,
					SQL:   `DELETE FROM working_memory WHERE expires_at <= datetime('now')`,
				},
				{
					Name:  "enforce_capacity",
					Store: analytics,
					SQL: `DELETE FROM working_memory WHERE memory_id NOT IN (
						SELECT memory_id FROM working_memory ORDER BY activation_level DESC, captured_at DESC LIMIT 9)`,
				},
			},
		},
		{
			Name: StageShortTermMemory,
			Steps: []Step{
				{
					Name:  "record_episodes",
					Store: analytics,
					SQL: `INSERT INTO short_term_episodes (episode_id, memory_id, content, emotional_salience, hebbian_strength, co_activations, recorded_at)
						SELECT memory_id || '@' || strftime('%Y%m%d%H', 'now'), memory_id, content, activation_level, 0.3, 1, datetime('now')
						FROM working_memory
						ON CONFLICT (episode_id) DO UPDATE SET
							co_activations = co_activations + 1,
							hebbian_strength = min(1.0, hebbian_strength + 0.05)`,
				},
				{
					Name:  "decay_old_episodes",
					Store: analytics,
					SQL:   `UPDATE short_term_episodes SET hebbian_strength = hebbian_strength * 0.9 WHERE recorded_at < datetime('now', '-1 day')`,
				},
				{
					Name:  "forget_weak_episodes",
					Store: analytics,
					SQL:   `DELETE FROM short_term_episodes WHERE hebbian_strength < 0.1`,
				},
			},
		},
		{
			Name:     StageConsolidation,
			Critical: true,
			Enrich:   true,
			Atomic:   true,
			Steps: []Step{
				{
					Name:  "consolidate_strong_episodes",
					Store: analytics,
					SQL: `INSERT INTO consolidated_memories (memory_id, content, semantic_category, consolidation_score, retrieval_strength, consolidated_at)
						SELECT memory_id, content, NULL,
							(hebbian_strength + emotional_salience) / 2.0,
							hebbian_strength,
							datetime('now')
						FROM short_term_episodes
						WHERE hebbian_strength >= 0.5
						ON CONFLICT (memory_id) DO UPDATE SET
							consolidation_score = max(consolidated_memories.consolidation_score, excluded.consolidation_score),
							retrieval_strength = min(1.0, consolidated_memories.retrieval_strength + 0.1)`,
				},
				{
					Name:  "clear_consolidated_episodes",
					Store: analytics,
					SQL:   `DELETE FROM short_term_episodes WHERE hebbian_strength >= 0.5`,
				},
			},
		},
		{
			Name:     StageLongTermMemory,
			Critical: true,
			Steps: []Step{
				{
					Name:  "promote_to_long_term",
					Store: analytics,
					SQL: `INSERT INTO long_term_memories (memory_id, content, semantic_category, retrieval_strength, stored_at)
						SELECT memory_id, content, semantic_category, retrieval_strength, datetime('now')
						FROM consolidated_memories
						WHERE consolidation_score >= 0.7
						ON CONFLICT (memory_id) DO UPDATE SET
							retrieval_strength = min(1.0, long_term_memories.retrieval_strength + 0.05),
							semantic_category = COALESCE(excluded.semantic_category, long_term_memories.semantic_category)`,
				},
				{
					Name:  "decay_retrieval_strength",
					Store: analytics,
					SQL:   `UPDATE long_term_memories SET retrieval_strength = retrieval_strength * 0.99 WHERE last_accessed_at < datetime('now', '-30 days') OR last_accessed_at IS NULL`,
				},
			},
			Transfers: []Transfer{{
				Name:    "mark_source_consolidated",
				From:    analytics,
				Query:   `SELECT memory_id FROM long_term_memories WHERE stored_at >= datetime('now', '-7 days')`,
				To:      postgres,
				Insert:  `UPDATE raw_memories SET consolidated_at = NOW() WHERE memory_id = $1 AND consolidated_at IS NULL`,
				Columns: []string{"memory_id"},
			}},
		},
	}
}
