package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"aiknowledge/internal/indexer"
	"aiknowledge/internal/model"
	"aiknowledge/internal/pkg/extract"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/tokenizer"
	"aiknowledge/internal/platform/blob"
	"aiknowledge/internal/repository"
)

const (
	defaultModelLimit     = 8192
	defaultReservedAnswer = 1024
	defaultCandidateTopK  = 20
	maxParallelQueries    = 8
	contextSeparator      = "\n\n"
)

type ContextBudget struct {
	ModelLimit           int `json:"model_limit"`
	SystemPromptTokens   int `json:"system_prompt_tokens"`
	ReservedAnswerTokens int `json:"reserved_answer_tokens"`
}

type ContextConfig struct {
	Budget        ContextBudget
	CandidateTopK int
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AssembleContextInput struct {
	OrgID   string
	AgentID string
	Prompt  string
	History []ChatMessage
	// Budget fields left at zero fall back to the configured defaults.
	Budget ContextBudget
}

// ContextSource records where a piece of injected context came from.
type ContextSource struct {
	KnowledgeID    string  `json:"knowledge_id"`
	DataSourceID   string  `json:"data_source_id"`
	SourceFilename string  `json:"source_filename,omitempty"`
	ChunkIndex     int     `json:"chunk_index"`
	Score          float32 `json:"score"`
	TokenCount     int     `json:"token_count"`
}

type ContextResult struct {
	Context         string          `json:"context"`
	Sources         []ContextSource `json:"sources"`
	FullDocument    bool            `json:"full_document"`
	AvailableTokens int             `json:"available_tokens"`
	UsedTokens      int             `json:"used_tokens"`
}

// ContextService builds the retrieval context injected into an agent's
// prompt from the DataSources attached to it.
type ContextService struct {
	agents    *repository.AgentDataSourceRepository
	knowledge *repository.KnowledgeRepository
	embedder  indexer.Embedder
	vectors   indexer.VectorStore
	blobs     blob.Store
	counter   tokenizer.Counter
	cfg       ContextConfig
	logger    *slog.Logger
}

func NewContextService(
	agents *repository.AgentDataSourceRepository,
	knowledge *repository.KnowledgeRepository,
	embedder indexer.Embedder,
	vectors indexer.VectorStore,
	blobs blob.Store,
	counter tokenizer.Counter,
	cfg ContextConfig,
	log *slog.Logger,
) *ContextService {
	if cfg.Budget.ModelLimit <= 0 {
		cfg.Budget.ModelLimit = defaultModelLimit
	}
	if cfg.Budget.ReservedAnswerTokens <= 0 {
		cfg.Budget.ReservedAnswerTokens = defaultReservedAnswer
	}
	if cfg.CandidateTopK <= 0 {
		cfg.CandidateTopK = defaultCandidateTopK
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ContextService{
		agents:    agents,
		knowledge: knowledge,
		embedder:  embedder,
		vectors:   vectors,
		blobs:     blobs,
		counter:   counter,
		cfg:       cfg,
		logger:    log.With("component", "context"),
	}
}

type candidate struct {
	unit   *model.Knowledge
	text   string
	score  float32
	index  int
	tokens int
}

// Assemble returns as much relevant context as the budget allows. A single
// small plain-text document is injected whole instead of as chunks.
func (s *ContextService) Assemble(ctx context.Context, input AssembleContextInput) (*ContextResult, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if input.OrgID == "" || input.AgentID == "" || prompt == "" {
		return nil, ErrInvalidInput
	}

	budget := s.budget(input.Budget)
	available := budget.ModelLimit - budget.SystemPromptTokens - budget.ReservedAnswerTokens - s.counter.Count(prompt)
	for _, m := range input.History {
		available -= s.counter.Count(m.Content)
	}
	result := &ContextResult{AvailableTokens: max(available, 0), Sources: []ContextSource{}}
	if available <= 0 {
		return result, nil
	}

	sources, err := s.agents.ListDataSources(ctx, input.AgentID, input.OrgID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return result, nil
	}
	ids := make([]string, 0, len(sources))
	for _, ds := range sources {
		ids = append(ids, ds.ID)
	}
	units, err := s.knowledge.ListByDataSourceIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	if len(sources) == 1 && len(units) == 1 {
		ok, err := s.fullDocument(ctx, &units[0], available, result)
		if err != nil {
			return nil, err
		}
		if ok {
			return result, nil
		}
	}

	candidates, err := s.search(ctx, prompt, units)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var parts []string
	for _, c := range candidates {
		if c.tokens > available-result.UsedTokens {
			continue
		}
		parts = append(parts, c.text)
		result.UsedTokens += c.tokens
		result.Sources = append(result.Sources, ContextSource{
			KnowledgeID:    c.unit.ID,
			DataSourceID:   c.unit.OwnerDataSourceID,
			SourceFilename: c.unit.Name,
			ChunkIndex:     c.index,
			Score:          c.score,
			TokenCount:     c.tokens,
		})
	}
	result.Context = strings.Join(parts, contextSeparator)
	s.logger.Debug("context assembled", "agent_id", input.AgentID, "candidates", len(candidates),
		"accepted", len(parts), "used_tokens", result.UsedTokens, "available_tokens", available)
	return result, nil
}

func (s *ContextService) budget(in ContextBudget) ContextBudget {
	b := s.cfg.Budget
	if in.ModelLimit > 0 {
		b.ModelLimit = in.ModelLimit
	}
	if in.SystemPromptTokens > 0 {
		b.SystemPromptTokens = in.SystemPromptTokens
	}
	if in.ReservedAnswerTokens > 0 {
		b.ReservedAnswerTokens = in.ReservedAnswerTokens
	}
	return b
}

// fullDocument fills result with the unit's extracted text when it is a
// completed plain-text document that fits the budget.
func (s *ContextService) fullDocument(ctx context.Context, k *model.Knowledge, available int, result *ContextResult) (bool, error) {
	tokens := k.TotalTokenCount()
	if k.MimeType() != extract.MimePlain || k.IndexStatus != model.IndexStatusCompleted ||
		k.ExtractedBlobRef == "" || tokens <= 0 || tokens > available {
		return false, nil
	}
	data, err := s.blobs.Get(ctx, k.ExtractedBlobRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			s.logger.Warn("extracted text missing, falling back to search", "knowledge_id", k.ID)
			return false, nil
		}
		return false, fmt.Errorf("read extracted text failed: %w", err)
	}

	result.Context = string(data)
	result.FullDocument = true
	result.UsedTokens = tokens
	result.Sources = append(result.Sources, ContextSource{
		KnowledgeID:    k.ID,
		DataSourceID:   k.OwnerDataSourceID,
		SourceFilename: k.Name,
		Score:          1,
		TokenCount:     tokens,
	})
	return true, nil
}

// search queries every searchable unit's namespace concurrently.
func (s *ContextService) search(ctx context.Context, prompt string, units []model.Knowledge) ([]candidate, error) {
	var searchable []*model.Knowledge
	for i := range units {
		switch units[i].IndexStatus {
		case model.IndexStatusCompleted, model.IndexStatusPartiallyCompleted:
			searchable = append(searchable, &units[i])
		}
	}
	if len(searchable) == 0 {
		return nil, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("embed prompt failed: %w", err)
	}

	perUnit := make([][]candidate, len(searchable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelQueries)
	for i, k := range searchable {
		i, k := i, k
		g.Go(func() error {
			matches, err := s.vectors.Query(gctx, indexer.Namespace(k.ID), vector, s.cfg.CandidateTopK)
			if err != nil {
				return err
			}
			found := make([]candidate, 0, len(matches))
			for _, m := range matches {
				tokens, err := strconv.Atoi(m.Metadata["tokenCount"])
				if err != nil || tokens <= 0 {
					tokens = s.counter.Count(m.Text)
				}
				index, _ := strconv.Atoi(m.Metadata["chunkIndex"])
				found = append(found, candidate{unit: k, text: m.Text, score: m.Score, index: index, tokens: tokens})
			}
			perUnit[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []candidate
	for _, found := range perUnit {
		all = append(all, found...)
	}
	return all, nil
}
