package services

import (
  "context"
  "encoding/json"
  "testing"

  "github.com/studydeck/backend/internal/pinecone"
  "github.com/studydeck/backend/internal/types"
)

type fakeVectorStore struct {
  cleared  []string
  upserted map[string][]pinecone.Vector
}

func newFakeVectorStore() *fakeVectorStore {
  return &fakeVectorStore{upserted: map[string][]pinecone.Vector{}}
}

func (f *fakeVectorStore) Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error {
  f.upserted[namespace] = append(f.upserted[namespace], vectors...)
  return nil
}

func (f *fakeVectorStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.VectorMatch, error) {
  return nil, nil
}

func (f *fakeVectorStore) ClearNamespace(ctx context.Context, namespace string) error {
  f.cleared = append(f.cleared, namespace)
  return nil
}

func TestIndexingStageEmbedsCardsAndSections(t *testing.T) {
  lec := lectureWithDocument(t)
  lec.FlashcardsStatus = types.StageStatusCompleted
  cards, err := json.Marshal(types.FlashcardSet{Cards: []types.Flashcard{
    {Front: "What is entropy?", Back: "Disorder."},
    {Front: "State the second law.", Back: "Entropy never decreases."},
  }})
  if err != nil {
    t.Fatalf("marshal cards: %v", err)
  }
  lec.Flashcards = cards

  repo := newFakeLectureRepo(lec)
  ai := &fakeAIClient{
    embedFn: func(inputs []string) ([][]float32, error) {
      out := make([][]float32, len(inputs))
      for i := range out {
        out[i] = []float32{0.1, 0.2}
      }
      return out, nil
    },
  }
  store := newFakeVectorStore()
  stage := NewIndexingStage(testLogger(t), repo, ai, store)

  if err := stage.Run(context.Background(), lec); err != nil {
    t.Fatalf("unexpected error: %v", err)
  }

  namespace := "lecture:" + lec.ID.String()
  if len(store.cleared) != 1 || store.cleared[0] != namespace {
    t.Fatalf("expected namespace %q cleared before upsert, got %v", namespace, store.cleared)
  }
  // Two flashcards plus one document section.
  if got := len(store.upserted[namespace]); got != 3 {
    t.Fatalf("expected 3 vectors, got %d", got)
  }

  var meta types.IndexingMeta
  if err := json.Unmarshal(repo.stored(lec.ID).IndexingMeta, &meta); err != nil {
    t.Fatalf("decode indexing meta: %v", err)
  }
  if meta.Namespace != namespace || meta.VectorCount != 3 {
    t.Fatalf("unexpected indexing meta %+v", meta)
  }
  if meta.EmbedModel != "fake-embed" {
    t.Fatalf("expected embed model recorded, got %q", meta.EmbedModel)
  }
}

func TestIndexingStageRequiresFlashcards(t *testing.T) {
  lec := lectureWithDocument(t)
  repo := newFakeLectureRepo(lec)
  stage := NewIndexingStage(testLogger(t), repo, &fakeAIClient{}, newFakeVectorStore())

  if err := stage.Run(context.Background(), lec); err == nil {
    t.Fatalf("expected error without flashcards")
  }
}

func TestBuildIndexEntriesSkipsEmptyText(t *testing.T) {
  doc := &types.StructuredDocument{Sections: []types.DocumentSection{
    {Title: "", Content: ""},
    {Title: "Real", Content: "content"},
  }}
  set := &types.FlashcardSet{Cards: []types.Flashcard{
    {Front: "", Back: ""},
    {Front: "q", Back: "a"},
  }}
  entries := buildIndexEntries(doc, set)
  if len(entries) != 2 {
    t.Fatalf("expected 2 entries, got %d", len(entries))
  }
}
