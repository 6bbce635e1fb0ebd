// Package memory is the factory's lesson store: a persistent embedded vector
// database holding one lesson per approved run, queried by task similarity
// before each new run.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factoryd/internal/config"
	"github.com/fyrsmithlabs/factoryd/internal/logging"
)

var tracer = otel.Tracer("factoryd.memory")

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// Lesson is one retrieved memory entry.
type Lesson struct {
	RunID      string
	Task       string
	Text       string
	Score      int
	Similarity float32
	StoredAt   time.Time
}

// Store persists lessons in a chromem-go collection. chromem is pure Go and
// persists to gob files, so no external database service is needed.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *logging.Logger
}

// NewStore opens (or creates) the lesson database at cfg.Path.
func NewStore(cfg config.MemoryConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	path, err := config.ExpandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding memory path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening lesson database: %w", err)
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embeddingFunc(cfg.Embedding))
	if err != nil {
		return nil, fmt.Errorf("opening lesson collection %q: %w", cfg.Collection, err)
	}

	return &Store{db: db, collection: collection, logger: logger}, nil
}

// embeddingFunc builds a chromem embedding function against any
// OpenAI-compatible endpoint (OpenAI itself, TEI, llama.cpp).
func embeddingFunc(cfg config.EmbeddingConfig) chromem.EmbeddingFunc {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, cfg.APIKey.Value(), cfg.Model, nil)
}

// StoreLesson saves one lesson keyed by run ID. Implements
// pipeline.LessonRecorder.
func (s *Store) StoreLesson(ctx context.Context, runID, task, lesson string, score int) error {
	ctx, span := tracer.Start(ctx, "memory.store_lesson")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	if runID == "" {
		return errors.New("run ID cannot be empty")
	}
	if lesson == "" {
		return errors.New("lesson cannot be empty")
	}

	doc := chromem.Document{
		ID:      runID,
		Content: lesson,
		Metadata: map[string]string{
			"task":      task,
			"score":     strconv.Itoa(score),
			"stored_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("storing lesson: %w", err)
	}

	s.logger.Debug(ctx, "lesson stored",
		zap.String("run_id", runID),
		zap.Int("score", score),
	)
	return nil
}

// Retrieve returns up to topK lesson texts most similar to the query.
// Implements pipeline.MemoryRetriever. An empty store yields no results and
// no error.
func (s *Store) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	lessons, err := s.Query(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(lessons))
	for i, l := range lessons {
		texts[i] = l.Text
	}
	return texts, nil
}

// Query returns the full lesson records most similar to the query.
func (s *Store) Query(ctx context.Context, query string, topK int) ([]Lesson, error) {
	ctx, span := tracer.Start(ctx, "memory.query")
	defer span.End()

	if topK < 1 {
		return nil, fmt.Errorf("topK must be >= 1, got %d", topK)
	}

	// chromem rejects k > count.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying lessons: %w", err)
	}

	lessons := make([]Lesson, 0, len(results))
	for _, res := range results {
		lesson := Lesson{
			RunID:      res.ID,
			Task:       res.Metadata["task"],
			Text:       res.Content,
			Similarity: res.Similarity,
		}
		if n, err := strconv.Atoi(res.Metadata["score"]); err == nil {
			lesson.Score = n
		}
		if t, err := time.Parse(time.RFC3339, res.Metadata["stored_at"]); err == nil {
			lesson.StoredAt = t
		}
		lessons = append(lessons, lesson)
	}
	span.SetAttributes(attribute.Int("lessons", len(lessons)))
	return lessons, nil
}

// Count returns the number of stored lessons.
func (s *Store) Count() int {
	return s.collection.Count()
}
