package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/pinecone"
  "github.com/studydeck/backend/internal/repos"
  "github.com/studydeck/backend/internal/types"
)

const embedBatchSize = 64

type indexingStage struct {
  log      *logger.Logger
  lectures repos.LectureRepo
  ai       AIClient
  vectors  pinecone.VectorStore
}

func NewIndexingStage(log *logger.Logger, lectures repos.LectureRepo, ai AIClient, vectors pinecone.VectorStore) Stage {
  return &indexingStage{
    log:      log.With("stage", types.StageIndexing),
    lectures: lectures,
    ai:       ai,
    vectors:  vectors,
  }
}

func (s *indexingStage) Key() string          { return types.StageIndexing }
func (s *indexingStage) Prerequisite() string { return types.StageFlashcards }

// Run embeds the lecture's flashcards and document sections and writes them
// to the lecture's vector namespace. The namespace is cleared first so a
// re-run replaces stale vectors instead of accumulating them.
func (s *indexingStage) Run(ctx context.Context, lec *types.Lecture) error {
  doc, err := decodeStructuredContent(lec)
  if err != nil {
    return err
  }
  set, err := decodeFlashcards(lec)
  if err != nil {
    return err
  }

  entries := buildIndexEntries(doc, set)
  if len(entries) == 0 {
    return fmt.Errorf("nothing to index")
  }

  namespace := "lecture:" + lec.ID.String()
  if err := s.vectors.ClearNamespace(ctx, namespace); err != nil {
    return fmt.Errorf("clear namespace: %w", err)
  }

  total := 0
  for start := 0; start < len(entries); start += embedBatchSize {
    end := start + embedBatchSize
    if end > len(entries) {
      end = len(entries)
    }
    batch := entries[start:end]

    texts := make([]string, len(batch))
    for i, e := range batch {
      texts[i] = e.text
    }
    embeddings, err := s.ai.Embed(ctx, texts)
    if err != nil {
      return fmt.Errorf("embed batch: %w", err)
    }
    if len(embeddings) != len(batch) {
      return fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(embeddings), len(batch))
    }

    vectors := make([]pinecone.Vector, len(batch))
    for i, e := range batch {
      vectors[i] = pinecone.Vector{
        ID:     e.id,
        Values: embeddings[i],
        Metadata: map[string]any{
          "lecture_id": lec.ID.String(),
          "kind":       e.kind,
          "text":       e.text,
        },
      }
    }
    if err := s.vectors.Upsert(ctx, namespace, vectors); err != nil {
      return fmt.Errorf("upsert vectors: %w", err)
    }
    total += len(vectors)
  }
  s.log.Info("Indexed lecture content", "lecture_id", lec.ID, "vectors", total, "namespace", namespace)

  meta := types.IndexingMeta{
    Namespace:   namespace,
    VectorCount: total,
    EmbedModel:  s.ai.EmbedModel(),
  }
  metaJSON, err := json.Marshal(meta)
  if err != nil {
    return fmt.Errorf("encode indexing meta: %w", err)
  }
  if err := s.lectures.UpdateContent(ctx, nil, lec.ID, "indexing_meta", metaJSON); err != nil {
    return fmt.Errorf("persist indexing meta: %w", err)
  }
  return nil
}

type indexEntry struct {
  id   string
  kind string
  text string
}

func buildIndexEntries(doc *types.StructuredDocument, set *types.FlashcardSet) []indexEntry {
  var entries []indexEntry
  for i, card := range set.Cards {
    text := strings.TrimSpace(card.Front + "\n" + card.Back)
    if text == "" {
      continue
    }
    entries = append(entries, indexEntry{
      id:   fmt.Sprintf("card-%d", i),
      kind: "flashcard",
      text: text,
    })
  }
  for i, sec := range doc.Sections {
    text := strings.TrimSpace(sec.Title + "\n" + sec.Content)
    if text == "" {
      continue
    }
    entries = append(entries, indexEntry{
      id:   fmt.Sprintf("section-%d", i),
      kind: "section",
      text: text,
    })
  }
  return entries
}
