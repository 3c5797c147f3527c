package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/cache"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// defaultSummaryCacheTTL bounds how long a cached summary can go on serving
// reads after the last GetSummary load before a fresh read is forced even
// absent an explicit invalidation.
const defaultSummaryCacheTTL = 5 * time.Minute

// lessonExtraction is the LLM's structured verdict on what a failed query
// (or piece of negative feedback) teaches the pipeline going forward.
type lessonExtraction struct {
	LessonType string `json:"lesson_type"`
	LessonRule string `json:"lesson_rule"`
}

// lessonCompression is the LLM's merged, shortened rendition of one
// lesson category (schema or sql) once it crosses the word-count
// threshold.
type lessonCompression struct {
	CompressedLessons string `json:"compressed_lessons"`
}

// FeedbackContext carries the parts of a logged query that the feedback
// lesson prompt needs, decoupled from storage.QueryLog so callers don't
// have to round-trip through the repository layer just to report feedback.
type FeedbackContext struct {
	UserQuestion    string
	GeneratedSQL    string
	Success         bool
	ErrorMessage    string
	ErrorCategory   string
	TablesUsed      []string
}

// ErrorSummaryManager owns the per-KG compacted lesson store: appending a
// new lesson after every failed (or negatively rated) query, and
// compacting it back down once it grows past its word budget. Compaction
// runs in the background so it never adds latency to the request that
// triggered it.
type ErrorSummaryManager struct {
	repo       *storage.ErrorSummaryRepository
	capability llm.Capability
	cache      cache.Client
	cacheTTL   time.Duration
	log        *observability.Logger

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewErrorSummaryManager wires the compacted lesson store to an LLM
// capability used for lesson extraction and compression, and to an optional
// cache fronting GetSummary reads (cacheClient may be nil, in which case
// every GetSummary call reads the repository directly). cacheTTL <= 0 uses
// defaultSummaryCacheTTL.
func NewErrorSummaryManager(repo *storage.ErrorSummaryRepository, capability llm.Capability, cacheClient cache.Client, cacheTTL time.Duration, log *observability.Logger) *ErrorSummaryManager {
	if cacheTTL <= 0 {
		cacheTTL = defaultSummaryCacheTTL
	}
	return &ErrorSummaryManager{
		repo:       repo,
		capability: capability,
		cache:      cacheClient,
		cacheTTL:   cacheTTL,
		log:        log,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// summaryCacheKey is the cache key GetSummary/compress share for a KG's
// compacted lesson summary.
func (m *ErrorSummaryManager) summaryCacheKey(kgID uuid.UUID) string {
	return cache.KGCacheKey(kgID.String(), "error_summary")
}

// GetSummary returns the current (possibly empty) lesson summary for a KG,
// creating the row on first use. Served from cache when present; a cache
// miss falls through to the repository and repopulates the cache.
func (m *ErrorSummaryManager) GetSummary(ctx context.Context, kgID uuid.UUID) (*storage.ErrorSummary, error) {
	if m.cache != nil {
		if raw, err := m.cache.Get(ctx, m.summaryCacheKey(kgID)); err == nil {
			var cached storage.ErrorSummary
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return &cached, nil
			}
		}
	}

	summary, err := m.repo.GetOrCreate(ctx, kgID)
	if err != nil {
		return nil, err
	}
	m.cacheSummary(ctx, kgID, summary)
	return summary, nil
}

// cacheSummary writes summary into the cache under its KG's key, logging
// (not failing) on marshal or cache errors since the cache is strictly an
// optimization over the repository.
func (m *ErrorSummaryManager) cacheSummary(ctx context.Context, kgID uuid.UUID, summary *storage.ErrorSummary) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		m.log.WithKG(kgID.String()).Warn().Err(err).Msg("failed to marshal error summary for cache")
		return
	}
	if err := m.cache.Set(ctx, m.summaryCacheKey(kgID), data, m.cacheTTL); err != nil {
		m.log.WithKG(kgID.String()).Warn().Err(err).Msg("failed to cache error summary")
	}
}

// AddLessonFromError extracts a reusable rule from a failed query and its
// applied fix, appends it to the KG's lesson store, and kicks off async
// compaction if the store has crossed its word-count threshold. Returns
// false (not an error) when the LLM couldn't produce a usable lesson.
func (m *ErrorSummaryManager) AddLessonFromError(ctx context.Context, kgID uuid.UUID, errorMessage string, category storage.ErrorCategory, fixApplied string, affectedTables []string, generatedSQL string) (bool, error) {
	if m.capability == nil {
		return false, nil
	}

	log := m.log.WithKG(kgID.String())
	log.Info().Str("category", string(category)).Msg("extracting lesson from error")

	sqlContext := generatedSQL
	if len(sqlContext) > 500 {
		sqlContext = sqlContext[:500]
	}
	prompt := fmt.Sprintf(`Analyze this database query error and the fix that resolved it. Extract a concise, reusable rule.

Error Category: %s
Error Message: %s
Affected Tables: %s
Fix Applied: %s
SQL Context: %s

Determine:
1. lesson_type: Is this a 'schema' lesson (about table/column selection) or 'sql' lesson (about SQL syntax/logic)?
2. lesson_rule: Write a concise rule (max 30 words) that would prevent this error in future queries.

Guidelines for lesson_type:
- schema: About which tables to include, column selection, relationships, missing tables
- sql: About syntax, joins, aggregations, filters, data types, column references

Rule format: "When [condition], [action]" or "Always/Never [action] when [condition]"`,
		category, errorMessage, joinOrNone(affectedTables), fixApplied, orNA(sqlContext))

	lesson, err := m.extractLesson(ctx, "You are a database expert extracting reusable rules from query errors. Be concise and specific.", prompt)
	if err != nil {
		log.Warn().Err(err).Msg("failed to extract lesson from error")
		return false, nil
	}

	if err := m.appendLesson(ctx, kgID, lesson); err != nil {
		return false, err
	}
	log.Info().Str("lesson_type", lesson.LessonType).Msg("lesson added")
	m.checkAndTriggerCompression(kgID)
	return true, nil
}

// AddLessonFromFeedback extracts a lesson from a user's thumbs-up/down
// feedback on a query, skipping extraction entirely when the feedback is
// positive on a query that actually succeeded (there is nothing to learn).
func (m *ErrorSummaryManager) AddLessonFromFeedback(ctx context.Context, kgID uuid.UUID, q FeedbackContext, feedback string, rating *int, errorPatterns []*storage.ErrorPattern) (bool, error) {
	if m.capability == nil {
		return false, nil
	}

	isNegative := isNegativeFeedback(feedback, rating)
	if !isNegative && q.Success {
		m.log.WithKG(kgID.String()).Info().Msg("positive feedback on successful query, no lesson needed")
		return false, nil
	}

	executionContext := fmt.Sprintf("Query failed with error: %s\nError category: %s", q.ErrorMessage, q.ErrorCategory)
	if q.Success {
		executionContext = "Query executed successfully, but user provided negative feedback."
	}
	ratingContext := ""
	if rating != nil {
		ratingContext = fmt.Sprintf("User rating: %d/5", *rating)
	}

	var patternsContext strings.Builder
	if len(errorPatterns) > 0 {
		patternsContext.WriteString("\n\nRelated Error Patterns from Past Queries:")
		for i, p := range errorPatterns {
			successRate := "N/A"
			fmt.Fprintf(&patternsContext, "\n%d. Error Pattern:\n- Category: %s\n- Pattern Description: %s\n- Fix Applied: %s\n- Occurrence Count: %d\n- Success Rate: %s\n",
				i+1, p.Category, p.Description, p.FixApplied, p.OccurrenceCount, successRate)
		}
	}

	prompt := fmt.Sprintf(`Analyze this database query and user feedback to extract a reusable lesson.

User Question: %s

Generated SQL: %s

Execution Result: %s

Tables Used: %s

User Feedback: %s
%s
%s

IMPORTANT:
- If multiple issues exist, identify the PRIMARY ROOT CAUSE
- Extract ONE lesson for the most critical issue
- Prioritize schema issues over SQL formatting issues
- Prioritize logic errors over syntax errors
- Use error patterns to understand recurring problems and their solutions

Based on the user's feedback and query context, determine:
1. lesson_type: Is this a 'schema' lesson (about table/column selection) or 'sql' lesson (about SQL syntax/logic/quality)?
2. lesson_rule: Write a concise rule (max 30 words) that would prevent this issue in future queries.

Guidelines for lesson_type:
- schema: Wrong tables selected, missing columns, incorrect relationships, missing enrichment tables
- sql: Syntax errors, incorrect joins, wrong aggregations, data type issues, logic errors, result quality issues

Guidelines for lesson_rule:
- Focus on the ROOT CAUSE indicated by feedback
- Make it actionable and specific
- Format: "When [condition], [action]" or "Always/Never [action] when [condition]"`,
		q.UserQuestion, q.GeneratedSQL, executionContext, joinOrNone(q.TablesUsed), feedback, ratingContext, patternsContext.String())

	lesson, err := m.extractLesson(ctx, "You are a database expert extracting reusable rules from query feedback. Be concise and specific.", prompt)
	if err != nil {
		m.log.WithKG(kgID.String()).Warn().Err(err).Msg("failed to extract lesson from feedback")
		return false, nil
	}

	if err := m.appendLesson(ctx, kgID, lesson); err != nil {
		return false, err
	}
	return true, nil
}

func (m *ErrorSummaryManager) extractLesson(ctx context.Context, systemPrompt, userPrompt string) (*lessonExtraction, error) {
	var out lessonExtraction
	err := m.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.LessonRule == "" {
		return nil, fmt.Errorf("lesson extraction returned an empty rule")
	}
	if out.LessonType != string(storage.LessonTypeSchema) {
		out.LessonType = string(storage.LessonTypeSQL)
	}
	return &out, nil
}

// appendLesson loads the current summary, formats and numbers the new
// rule, recomputes the combined word count across both lesson fields, and
// persists the result, all under the repository's atomic UPDATE.
func (m *ErrorSummaryManager) appendLesson(ctx context.Context, kgID uuid.UUID, lesson *lessonExtraction) error {
	summary, err := m.repo.GetOrCreate(ctx, kgID)
	if err != nil {
		return fmt.Errorf("load summary before append: %w", err)
	}

	lessonType := storage.LessonType(lesson.LessonType)
	current := summary.SchemaLessons
	other := summary.SQLLessons
	if lessonType == storage.LessonTypeSQL {
		current, other = summary.SQLLessons, summary.SchemaLessons
	}

	formatted := fmt.Sprintf("%d. %s", summary.LessonCount+1, lesson.LessonRule)
	updated := formatted
	if current != "" {
		updated = current + "\n" + formatted
	}
	newWordCount := countWords(updated) + countWords(other)

	_, err = m.repo.AppendLesson(ctx, kgID, lessonType, updated, newWordCount)
	if err != nil {
		return fmt.Errorf("append lesson: %w", err)
	}
	return nil
}

// checkAndTriggerCompression reads the just-updated summary and, if its
// word count has crossed the compression threshold, fires off an async
// compaction. Unlike the original's single process-wide compression lock,
// this guards per kg_id so compacting one KG's lessons never blocks a
// concurrent compaction for a different KG.
func (m *ErrorSummaryManager) checkAndTriggerCompression(kgID uuid.UUID) {
	go func() {
		ctx := context.Background()
		summary, err := m.repo.Get(ctx, kgID)
		if err != nil {
			return
		}
		if summary.WordCount < summary.CompressionThreshold {
			return
		}
		m.compress(ctx, kgID)
	}()
}

func (m *ErrorSummaryManager) lockFor(kgID uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[kgID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[kgID] = lock
	}
	return lock
}

// compress merges and shortens each lesson category back toward half the
// compression threshold, mirroring the original's 50%-reduction target.
func (m *ErrorSummaryManager) compress(ctx context.Context, kgID uuid.UUID) {
	lock := m.lockFor(kgID)
	lock.Lock()
	defer lock.Unlock()

	log := m.log.WithKG(kgID.String())
	log.Info().Msg("starting async lesson compaction")

	summary, err := m.repo.Get(ctx, kgID)
	if err != nil {
		log.Warn().Err(err).Msg("compaction aborted, could not reload summary")
		return
	}

	targetWords := summary.CompressionThreshold / 2
	perCategory := targetWords / 2

	compressedSchema := summary.SchemaLessons
	if summary.SchemaLessons != "" {
		compressedSchema = m.compressLessons(ctx, summary.SchemaLessons, storage.LessonTypeSchema, perCategory)
	}
	compressedSQL := summary.SQLLessons
	if summary.SQLLessons != "" {
		compressedSQL = m.compressLessons(ctx, summary.SQLLessons, storage.LessonTypeSQL, perCategory)
	}

	newWordCount := countWords(compressedSchema) + countWords(compressedSQL)
	newLessonCount := countLines(compressedSchema) + countLines(compressedSQL)

	if _, err := m.repo.SaveCompressed(ctx, kgID, compressedSchema, compressedSQL, newLessonCount, newWordCount); err != nil {
		log.Warn().Err(err).Msg("failed to save compressed summary")
		return
	}

	if m.cache != nil {
		if err := m.cache.Delete(ctx, m.summaryCacheKey(kgID)); err != nil {
			log.Warn().Err(err).Msg("failed to invalidate cached error summary after compaction")
		}
	}
	log.Info().Int("before_words", summary.WordCount).Int("after_words", newWordCount).Msg("lesson compaction complete")
}

func (m *ErrorSummaryManager) compressLessons(ctx context.Context, lessonsText string, lessonType storage.LessonType, targetWords int) string {
	currentWords := countWords(lessonsText)
	prompt := fmt.Sprintf(`Compress these %s lessons by merging similar rules.

Current lessons (%d words):
%s

Target: Reduce to approximately %d words (50%% compression).

Compression guidelines:
- Merge 2-3 similar rules into one generalized rule
- Remove redundant or overlapping rules
- Keep the numbered format (1., 2., 3., etc.)
- Preserve specific, actionable guidance
- Each rule should be max 30 words
- Prioritize rules that prevent common errors

Output ONLY the compressed rules, as the value of a compressed_lessons field, with no explanations or commentary.`, lessonType, currentWords, lessonsText, targetWords)

	var out lessonCompression
	err := m.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are compressing database query rules. Merge similar rules into general principles. Be concise but preserve meaning."},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil || out.CompressedLessons == "" {
		m.log.Warn().Err(err).Str("lesson_type", string(lessonType)).Msg("lesson compression failed, keeping uncompressed text")
		return lessonsText
	}
	return out.CompressedLessons
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func countLines(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func isNegativeFeedback(feedback string, rating *int) bool {
	lower := strings.ToLower(feedback)
	if lower == "not helpful" || lower == "not_helpful" || lower == "incorrect" {
		return true
	}
	if rating != nil && *rating <= 2 {
		return true
	}
	return strings.Contains(lower, "wrong") || strings.Contains(lower, "incorrect") || strings.Contains(lower, "bad")
}
