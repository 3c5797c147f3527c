package kg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/targetdb"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
)

// skipEmbedKeywords mirrors the original embedding generator's rule for
// skipping low-signal columns (surrogate keys and audit timestamps add
// noise to a vector index without helping retrieval).
var skipEmbedKeywords = []string{"id", "created_at", "updated_at", "deleted_at"}

// Builder orchestrates the full KG build pipeline: extraction (C4), LLM
// enrichment, embedding generation, and persistence to both the scalar KG
// store and the vector index.
type Builder struct {
	repos      *storage.Repositories
	store      *vectorindex.EmbeddingStore
	index      vectorindex.Adapter
	capability llm.Capability
	cfg        config.BuildConfig
	llmCfg     config.LLMConfig
	log        *observability.Logger
}

// NewBuilder wires together the components a build needs. capability may
// be nil, in which case description generation and LLM-backed PII
// detection are skipped and only the keyword heuristics apply.
func NewBuilder(repos *storage.Repositories, store *vectorindex.EmbeddingStore, index vectorindex.Adapter, capability llm.Capability, cfg config.BuildConfig, llmCfg config.LLMConfig, log *observability.Logger) *Builder {
	return &Builder{
		repos:      repos,
		store:      store,
		index:      index,
		capability: capability,
		cfg:        cfg,
		llmCfg:     llmCfg,
		log:        log,
	}
}

// BuildOptions toggles the two costly phases independently, matching the
// original build_kg's generate_descriptions/generate_embeddings flags.
type BuildOptions struct {
	SchemaName          string
	GenerateDescriptions bool
	GenerateEmbeddings   bool
}

// llmTableDescription is the structured response shape requested from the
// model for one table, matching description_generator.py's JSON contract.
type llmTableDescription struct {
	Description     string   `json:"description"`
	BusinessDomain  string   `json:"business_domain"`
	TypicalUseCases []string `json:"typical_use_cases"`
}

// llmColumnDescription is the structured response shape for one column.
type llmColumnDescription struct {
	Description     string `json:"description"`
	BusinessMeaning string `json:"business_meaning"`
	IsPII           bool   `json:"is_pii"`
}

// Build runs the full pipeline for a target database connection, creating
// a new KG row, or returning the existing one unchanged if a KG for this
// source fingerprint already exists (connect_or_build_kg's idempotency
// contract — the caller is expected to have already checked for an
// existing KG via repos.KGRepository.GetByFingerprint before calling
// Build, but Build re-checks defensively).
func (b *Builder) Build(ctx context.Context, conn *targetdb.Connector, opts BuildOptions) (*Graph, error) {
	if opts.SchemaName == "" {
		opts.SchemaName = "public"
	}

	if existing, err := b.repos.KGs.GetByFingerprint(ctx, conn.Fingerprint()); err == nil {
		b.log.WithKG(existing.KGID.String()).Info().Msg("kg already exists for this source, skipping build")
		return b.loadExisting(ctx, existing)
	} else if err != storage.ErrNotFound {
		return nil, fmt.Errorf("check existing kg: %w", err)
	}

	kgID := uuid.New()
	log := b.log.WithKG(kgID.String())
	log.Info().Msg("starting kg build")

	kgRow := &storage.KG{
		KGID:              kgID,
		SourceFingerprint: conn.Fingerprint(),
		Status:            storage.KGStatusBuilding,
		Version:           1,
	}
	if err := b.repos.KGs.Create(ctx, kgRow); err != nil {
		return nil, fmt.Errorf("create kg row: %w", err)
	}

	graph, err := b.build(ctx, log, conn, kgID, opts)
	if err != nil {
		msg := err.Error()
		if setErr := b.repos.KGs.SetStatus(ctx, kgID, storage.KGStatusError, &msg); setErr != nil {
			log.Error().Err(setErr).Msg("failed to record build error status")
		}
		return nil, fmt.Errorf("build kg: %w", err)
	}

	if err := b.repos.KGs.SetStatus(ctx, kgID, storage.KGStatusReady, nil); err != nil {
		return nil, fmt.Errorf("mark kg ready: %w", err)
	}
	graph.Status = storage.KGStatusReady

	log.Info().Int("tables", graph.TableCount()).Msg("kg build complete")
	return graph, nil
}

func (b *Builder) build(ctx context.Context, log *observability.Logger, conn *targetdb.Connector, kgID uuid.UUID, opts BuildOptions) (*Graph, error) {
	start := time.Now()

	log.Info().Msg("phase 1: extracting schema")
	extractor := NewExtractor(conn.DB(), KeywordPIIDetector{}, conn.SampleValuesLimit())
	schema, err := extractor.Extract(ctx, kgID, opts.SchemaName)
	if err != nil {
		return nil, fmt.Errorf("phase 1 extraction: %w", err)
	}
	log.Info().
		Int("tables", len(schema.Tables)).
		Int("columns", len(schema.Columns)).
		Int("relationships", len(schema.Relationships)).
		Msg("phase 1 complete")

	columnsByTable := make(map[uuid.UUID][]*storage.Column)
	for _, c := range schema.Columns {
		columnsByTable[c.TableID] = append(columnsByTable[c.TableID], c)
	}

	if opts.GenerateDescriptions && b.cfg.EnrichmentEnabled && b.capability != nil {
		log.Info().Msg("phase 2: generating descriptions")
		if err := b.enrich(ctx, schema.Tables, columnsByTable); err != nil {
			log.Error().Err(err).Msg("phase 2 enrichment failed, continuing without full enrichment")
		}
	} else {
		log.Info().Msg("skipping description generation")
	}

	var tableEmbeddings, columnEmbeddings map[string][]float32
	if opts.GenerateEmbeddings && b.capability != nil {
		log.Info().Msg("phase 3: generating embeddings")
		tableEmbeddings, columnEmbeddings, err = b.embed(ctx, schema.Tables, schema.Columns)
		if err != nil {
			log.Error().Err(err).Msg("phase 3 embedding generation failed, continuing without embeddings")
		}
	} else {
		log.Info().Msg("skipping embedding generation")
	}

	log.Info().Msg("phase 4: persisting to kg store")
	if err := b.persist(ctx, schema); err != nil {
		return nil, fmt.Errorf("phase 4 persistence: %w", err)
	}

	if len(tableEmbeddings) > 0 || len(columnEmbeddings) > 0 {
		log.Info().Msg("phase 5: persisting embeddings and populating vector index")
		if err := b.persistEmbeddings(ctx, kgID, schema, tableEmbeddings, columnEmbeddings); err != nil {
			return nil, fmt.Errorf("phase 5 embedding persistence: %w", err)
		}
	}

	graph := NewGraph(kgID, conn.Fingerprint(), storage.KGStatusBuilding)
	for _, t := range schema.Tables {
		graph.AddTable(t)
	}
	for _, c := range schema.Columns {
		graph.AddColumn(c)
	}
	for _, r := range schema.Relationships {
		graph.AddRelationship(r)
	}

	log.Info().Dur("duration", time.Since(start)).Msg("kg build pipeline finished")
	return graph, nil
}

// enrich generates table and column descriptions via the LLM, mutating
// the extracted structs in place, matching build_kg's phase 2 sequencing
// (tables first, then columns keyed off their parent table).
func (b *Builder) enrich(ctx context.Context, tables []*storage.Table, columnsByTable map[uuid.UUID][]*storage.Column) error {
	for _, t := range tables {
		desc, err := b.describeTable(ctx, t, columnsByTable[t.TableID])
		if err != nil {
			continue
		}
		t.Description = &desc.Description
		t.BusinessDomain = &desc.BusinessDomain
		t.TypicalUseCases = desc.TypicalUseCases
	}

	for _, t := range tables {
		for _, c := range columnsByTable[t.TableID] {
			desc, err := b.describeColumn(ctx, c, t)
			if err != nil {
				continue
			}
			c.Description = &desc.Description
			c.BusinessMeaning = &desc.BusinessMeaning
			if !c.IsPII {
				c.IsPII = desc.IsPII
			}
		}
	}
	return nil
}

func (b *Builder) describeTable(ctx context.Context, t *storage.Table, columns []*storage.Column) (*llmTableDescription, error) {
	var colInfo []string
	for _, c := range columns {
		s := fmt.Sprintf("%s (%s)", c.Name, c.DataType)
		if c.IsPK {
			s += " [PK]"
		}
		if c.IsFK {
			s += " [FK]"
		}
		colInfo = append(colInfo, s)
	}

	rowCount := "Unknown"
	if t.RowCountEstimate != nil {
		rowCount = fmt.Sprint(*t.RowCountEstimate)
	}

	prompt := fmt.Sprintf(`Analyze this database table and provide a structured response.

Table name: %s
Columns: %s
Row count: %s

Respond ONLY with valid JSON in this exact format:
{
"description": "Brief 1-2 sentence description of this table's purpose",
"business_domain": "Single category like Sales, Finance, Inventory, Customer Management, etc.",
"typical_use_cases": ["use case 1", "use case 2", "use case 3"]
}`, t.Name, strings.Join(colInfo, ", "), rowCount)

	var out llmTableDescription
	if err := b.capability.CompleteStructured(ctx, []llm.Message{{Role: "user", Content: prompt}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *Builder) describeColumn(ctx context.Context, c *storage.Column, t *storage.Table) (*llmColumnDescription, error) {
	sample := "none"
	if len(c.SampleValues) > 0 {
		sample = strings.Join(c.SampleValues, ", ")
	}

	prompt := fmt.Sprintf(`Analyze this database column and provide a structured response.

Table: %s
Column: %s (%s)
Sample values: %s

Respond ONLY with valid JSON in this exact format:
{
"description": "Brief description of what this column stores",
"business_meaning": "Why this column matters to the business",
"is_pii": true/false
}`, t.Name, c.Name, c.DataType, sample)

	var out llmColumnDescription
	if err := b.capability.CompleteStructured(ctx, []llm.Message{{Role: "user", Content: prompt}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// embed generates table and column embeddings, keyed by table name /
// qualified column name, skipping foreign keys, surrogate/audit columns,
// and any column without a description, matching embedding_generator.py.
func (b *Builder) embed(ctx context.Context, tables []*storage.Table, columns []*storage.Column) (map[string][]float32, map[string][]float32, error) {
	tableTexts := make([]string, 0, len(tables))
	tableNames := make([]string, 0, len(tables))
	for _, t := range tables {
		tableTexts = append(tableTexts, tableEmbedText(t))
		tableNames = append(tableNames, t.Name)
	}

	tableVecs, err := b.capability.Embed(ctx, tableTexts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed tables: %w", err)
	}
	tableEmbeddings := make(map[string][]float32, len(tableNames))
	for i, name := range tableNames {
		tableEmbeddings[name] = tableVecs[i]
	}

	var colTexts []string
	var colNames []string
	for _, c := range columns {
		if c.IsFK || c.Description == nil || *c.Description == "" {
			continue
		}
		lower := strings.ToLower(c.Name)
		skip := false
		for _, kw := range skipEmbedKeywords {
			if strings.Contains(lower, kw) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		colTexts = append(colTexts, columnEmbedText(c))
		colNames = append(colNames, c.QualifiedName)
	}

	columnEmbeddings := make(map[string][]float32)
	if len(colTexts) > 0 {
		colVecs, err := b.capability.Embed(ctx, colTexts)
		if err != nil {
			return tableEmbeddings, nil, fmt.Errorf("embed columns: %w", err)
		}
		for i, name := range colNames {
			columnEmbeddings[name] = colVecs[i]
		}
	}

	return tableEmbeddings, columnEmbeddings, nil
}

// tableDocument builds the canonical short-form document string stored
// alongside a table's vector-index entry, matching
// vectorindex.EmbeddingStore.LoadTableEntries exactly so a fresh build and a
// post-restart rehydration of the same KG produce identical entries.
func tableDocument(t *storage.Table) string {
	doc := "Table: " + t.Name
	if t.Description != nil && *t.Description != "" {
		doc += "\nDescription: " + *t.Description
	}
	if t.BusinessDomain != nil && *t.BusinessDomain != "" {
		doc += "\nDomain: " + *t.BusinessDomain
	}
	return doc
}

// columnDocument builds the canonical short-form document string stored
// alongside a column's vector-index entry, matching
// vectorindex.EmbeddingStore.LoadColumnEntries exactly.
func columnDocument(c *storage.Column) string {
	doc := "Column: " + c.QualifiedName
	if c.Description != nil && *c.Description != "" {
		doc += "\nDescription: " + *c.Description
	}
	return doc
}

func tableEmbedText(t *storage.Table) string {
	parts := []string{"Table: " + t.Name}
	if t.Description != nil && *t.Description != "" {
		parts = append(parts, "Description: "+*t.Description)
	}
	if t.BusinessDomain != nil && *t.BusinessDomain != "" {
		parts = append(parts, "Domain: "+*t.BusinessDomain)
	}
	if len(t.TypicalUseCases) > 0 {
		parts = append(parts, "Use cases: "+strings.Join(t.TypicalUseCases, ", "))
	}
	return strings.Join(parts, "\n")
}

func columnEmbedText(c *storage.Column) string {
	parts := []string{c.QualifiedName}
	if c.Description != nil && *c.Description != "" {
		parts = append(parts, *c.Description)
	}
	if c.BusinessMeaning != nil && *c.BusinessMeaning != "" {
		parts = append(parts, *c.BusinessMeaning)
	}
	parts = append(parts, "Type: "+c.DataType)
	if len(c.EnumValues) > 0 {
		n := len(c.EnumValues)
		if n > 5 {
			n = 5
		}
		parts = append(parts, "Values: "+strings.Join(c.EnumValues[:n], ", "))
	}
	return strings.Join(parts, " - ")
}

// persist writes tables, columns, and relationships to the KG store as
// three sequential BatchCreate calls, in that order. MaxConcurrentTables
// does not apply here; it bounds the embedding saves in persistEmbeddings.
func (b *Builder) persist(ctx context.Context, schema *ExtractedSchema) error {
	if err := b.repos.Tables.BatchCreate(ctx, schema.Tables); err != nil {
		return fmt.Errorf("insert tables: %w", err)
	}
	if err := b.repos.Columns.BatchCreate(ctx, schema.Columns); err != nil {
		return fmt.Errorf("insert columns: %w", err)
	}
	if err := b.repos.Relationships.BatchCreate(ctx, schema.Relationships); err != nil {
		return fmt.Errorf("insert relationships: %w", err)
	}
	return nil
}

func (b *Builder) persistEmbeddings(ctx context.Context, kgID uuid.UUID, schema *ExtractedSchema, tableEmbeddings, columnEmbeddings map[string][]float32) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(b.cfg.MaxConcurrentTables, 1))

	var entries []vectorindex.Entry
	for _, t := range schema.Tables {
		vec, ok := tableEmbeddings[t.Name]
		if !ok {
			continue
		}
		t := t
		vec := vec
		g.Go(func() error {
			return b.store.Save(gctx, kgID, storage.EntityTypeTable, t.TableID, "Table: "+t.Name, vec, b.llmCfg.EmbeddingModel)
		})
		domain := ""
		if t.BusinessDomain != nil {
			domain = *t.BusinessDomain
		}
		var rowCount int64
		if t.RowCountEstimate != nil {
			rowCount = *t.RowCountEstimate
		}
		entries = append(entries, vectorindex.Entry{
			ID: "table_" + t.Name, KGID: kgID, EntityType: vectorindex.EntityTypeTable,
			EntityID: t.TableID, Vector: vec, Document: tableDocument(t),
			Metadata: map[string]interface{}{
				"entity_type":     "table",
				"table_name":      t.Name,
				"qualified_name":  t.QualifiedName,
				"schema_name":     t.SchemaNamespace,
				"business_domain": domain,
				"row_count":       rowCount,
			},
		})
	}

	for _, c := range schema.Columns {
		vec, ok := columnEmbeddings[c.QualifiedName]
		if !ok {
			continue
		}
		c := c
		vec := vec
		g.Go(func() error {
			return b.store.Save(gctx, kgID, storage.EntityTypeColumn, c.ColumnID, c.QualifiedName, vec, b.llmCfg.EmbeddingModel)
		})
		card := ""
		if c.Cardinality != nil {
			card = string(*c.Cardinality)
		}
		entries = append(entries, vectorindex.Entry{
			ID: "column_" + strings.ReplaceAll(c.QualifiedName, ".", "_"), KGID: kgID, EntityType: vectorindex.EntityTypeColumn,
			EntityID: c.ColumnID, Vector: vec, Document: columnDocument(c),
			Metadata: map[string]interface{}{
				"entity_type":    "column",
				"qualified_name": c.QualifiedName,
				"column_name":    c.Name,
				"data_type":      c.DataType,
				"is_pii":         c.IsPII,
				"cardinality":    card,
			},
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}

	if b.index != nil && len(entries) > 0 {
		const batchSize = 100
		for i := 0; i < len(entries); i += batchSize {
			end := i + batchSize
			if end > len(entries) {
				end = len(entries)
			}
			if err := b.index.Upsert(ctx, entries[i:end]); err != nil {
				return fmt.Errorf("populate vector index: %w", err)
			}
		}
	}
	return nil
}

// loadExisting reconstructs a Graph from an already-built KG row by
// reading its tables/columns/relationships back out of the store.
func (b *Builder) loadExisting(ctx context.Context, row *storage.KG) (*Graph, error) {
	graph := NewGraph(row.KGID, row.SourceFingerprint, row.Status)

	tables, err := b.repos.Tables.ListByKG(ctx, row.KGID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		graph.AddTable(t)
	}

	columns, err := b.repos.Columns.ListByKG(ctx, row.KGID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	for _, c := range columns {
		graph.AddColumn(c)
	}

	relationships, err := b.repos.Relationships.ListByKG(ctx, row.KGID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	for _, r := range relationships {
		graph.AddRelationship(r)
	}

	return graph, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
