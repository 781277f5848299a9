package memory

import (
	"context"
	"os"

	"github.com/philippgille/chromem-go"

	jarbasErrors "github.com/jarbas-ai/jarbas/internal/errors"
	"github.com/jarbas-ai/jarbas/internal/store"
)

const learningsCollection = "learnings"

// Embedder produces the vectors the index stores and queries with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex keeps a persistent semantic index of learnings. Embeddings
// are supplied explicitly so the index never talks to a provider itself.
type VectorIndex struct {
	db       *chromem.DB
	embedder Embedder
}

func NewVectorIndex(dir string, embedder Embedder) (*VectorIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, jarbasErrors.Internal("create vector dir: " + err.Error())
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, jarbasErrors.Internal("open vector db: " + err.Error())
	}
	return &VectorIndex{db: db, embedder: embedder}, nil
}

// IndexLearning upserts one learning document.
func (v *VectorIndex) IndexLearning(ctx context.Context, l store.Learning) error {
	vec, err := v.embedder.Embed(ctx, l.Lesson)
	if err != nil {
		return err
	}
	col, err := v.db.GetOrCreateCollection(learningsCollection, nil, nil)
	if err != nil {
		return jarbasErrors.Internal("vector collection: " + err.Error())
	}
	return col.AddDocuments(ctx, []chromem.Document{{
		ID:        l.ID,
		Content:   l.Lesson,
		Embedding: vec,
		Metadata: map[string]string{
			"category": l.Category,
			"trigger":  l.Trigger,
		},
	}}, 1)
}

// LearningMatch is one semantic search hit.
type LearningMatch struct {
	ID       string
	Lesson   string
	Category string
	Trigger  string
	Score    float32
}

// Search returns up to limit learnings ranked by similarity to text.
func (v *VectorIndex) Search(ctx context.Context, text string, limit int) ([]LearningMatch, error) {
	col := v.db.GetCollection(learningsCollection, nil)
	if col == nil {
		return nil, nil
	}
	if n := col.Count(); n < limit {
		limit = n
	}
	if limit <= 0 {
		return nil, nil
	}

	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	docs, err := col.QueryEmbedding(ctx, vec, limit, nil, nil)
	if err != nil {
		return nil, jarbasErrors.Internal("vector query: " + err.Error())
	}

	out := make([]LearningMatch, 0, len(docs))
	for _, d := range docs {
		out = append(out, LearningMatch{
			ID:       d.ID,
			Lesson:   d.Content,
			Category: d.Metadata["category"],
			Trigger:  d.Metadata["trigger"],
			Score:    d.Similarity,
		})
	}
	return out, nil
}
