package services

import (
  "context"
  "encoding/json"
  "fmt"
  "strings"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/types"
)

// Condenser folds per-slide analyses into one structured document that the
// downstream stages consume. It never fails hard: if the model response is
// unusable the result is a degraded document built from the raw analyses.
type Condenser interface {
  Condense(ctx context.Context, lectureTitle string, slides []types.SlideRecord) *types.StructuredDocument
}

type condenser struct {
  log *logger.Logger
  ai  AIClient
}

func NewCondenser(log *logger.Logger, ai AIClient) Condenser {
  return &condenser{
    log: log.With("service", "Condenser"),
    ai:  ai,
  }
}

func (c *condenser) Condense(ctx context.Context, lectureTitle string, slides []types.SlideRecord) *types.StructuredDocument {
  usable := 0
  for _, s := range slides {
    if s.Error == "" {
      usable++
    }
  }
  c.log.Info("Condensing slide analyses", "lecture", lectureTitle, "slides", len(slides), "usable", usable)

  prompt := buildCondensePrompt(lectureTitle, slides)
  text, err := c.ai.Generate(ctx, prompt)
  if err != nil {
    c.log.Warn("Condensation request failed, producing degraded document", "error", err)
    return degradedDocument("", slides)
  }

  doc, ok := parseStructuredDocument(text)
  if !ok {
    c.log.Warn("Condensation response unusable, producing degraded document")
    return degradedDocument(text, slides)
  }
  return doc
}

func buildCondensePrompt(lectureTitle string, slides []types.SlideRecord) string {
  var sb strings.Builder
  fmt.Fprintf(&sb, "You are condensing the analyzed content of the lecture %q into one structured document.\n\n", lectureTitle)
  sb.WriteString("Slide analyses:\n\n")
  for _, s := range slides {
    // Failed slides carry no content worth feeding back to the model.
    if s.Error != "" {
      continue
    }
    fmt.Fprintf(&sb, "--- Slide %d", s.SlideNumber)
    if s.Title != "" {
      fmt.Fprintf(&sb, ": %s", s.Title)
    }
    sb.WriteString(" ---\n")
    if s.MainText != "" {
      sb.WriteString(s.MainText)
      sb.WriteString("\n")
    }
    if len(s.KeyConcepts) > 0 {
      fmt.Fprintf(&sb, "Key concepts: %s\n", strings.Join(s.KeyConcepts, "; "))
    }
    for _, d := range s.Definitions {
      fmt.Fprintf(&sb, "Definition: %s — %s\n", d.Term, d.Definition)
    }
    if len(s.Formulas) > 0 {
      fmt.Fprintf(&sb, "Formulas: %s\n", strings.Join(s.Formulas, "; "))
    }
    if len(s.Examples) > 0 {
      fmt.Fprintf(&sb, "Examples: %s\n", strings.Join(s.Examples, "; "))
    }
    if len(s.Diagrams) > 0 {
      fmt.Fprintf(&sb, "Diagrams: %s\n", strings.Join(s.Diagrams, "; "))
    }
    sb.WriteString("\n")
  }
  sb.WriteString("Merge overlapping material, keep the lecture's ordering, and return ONLY a JSON object with fields: ")
  sb.WriteString(`"summary" (string), "sections" (array of {"title", "content", "key_points"}), `)
  sb.WriteString(`"key_concepts" (array of strings), and "learning_objectives" (array of strings).`)
  return sb.String()
}

func parseStructuredDocument(text string) (*types.StructuredDocument, bool) {
  cleaned := stripCodeFences(text)
  var doc types.StructuredDocument
  if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
    return nil, false
  }
  if doc.Summary == "" && len(doc.Sections) == 0 {
    return nil, false
  }
  return &doc, true
}

// degradedSummaryLimit caps how much of an unparseable model response is
// carried into the degraded document's summary.
const degradedSummaryLimit = 2000

// degradedDocument builds a section per usable slide straight from the
// analyses so the pipeline can keep moving without a condensation pass.
// When the model produced text that just failed to parse, that raw text
// (truncated) becomes the summary so it is not lost.
func degradedDocument(rawText string, slides []types.SlideRecord) *types.StructuredDocument {
  doc := &types.StructuredDocument{Degraded: true}
  seen := map[string]bool{}
  for _, s := range slides {
    if s.Error != "" {
      continue
    }
    title := s.Title
    if title == "" {
      title = fmt.Sprintf("Slide %d", s.SlideNumber)
    }
    doc.Sections = append(doc.Sections, types.DocumentSection{
      Title:     title,
      Content:   s.MainText,
      KeyPoints: s.KeyConcepts,
    })
    for _, kc := range s.KeyConcepts {
      key := strings.ToLower(strings.TrimSpace(kc))
      if key == "" || seen[key] {
        continue
      }
      seen[key] = true
      doc.KeyConcepts = append(doc.KeyConcepts, kc)
    }
  }
  if raw := strings.TrimSpace(rawText); raw != "" {
    if len(raw) > degradedSummaryLimit {
      raw = raw[:degradedSummaryLimit]
    }
    doc.Summary = raw
  } else if len(doc.Sections) > 0 {
    doc.Summary = fmt.Sprintf("Condensed summary unavailable; document assembled from %d slide analyses.", len(doc.Sections))
  }
  return doc
}
