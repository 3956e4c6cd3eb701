package services

import (
  "context"
  "encoding/json"
  "fmt"
  "regexp"
  "sort"
  "strconv"
  "strings"
  "time"

  "golang.org/x/sync/errgroup"

  "github.com/studydeck/backend/internal/logger"
  "github.com/studydeck/backend/internal/types"
  "github.com/studydeck/backend/internal/utils"
)

// BatchAnalyzer turns N ordered slide images into N SlideRecords. The
// contract is total: the result always has one record per input image,
// sorted by slide number, and no error ever escapes AnalyzeSlides —
// unrecoverable failures become per-slide error records.
type BatchAnalyzer interface {
  AnalyzeSlides(ctx context.Context, images [][]byte) []types.SlideRecord
}

type AnalyzerConfig struct {
  BatchSize        int           // slides per multi-image request
  MaxConcurrency   int           // batch requests in flight
  DispatchDelay    time.Duration // pause before each batch request
  MaxRetries       int           // attempts per batch and per fallback slide
  RateLimitBackoff time.Duration // used when the provider declares no delay
  RetryBackoff     time.Duration // generic transient backoff
}

func AnalyzerConfigFromEnv(log *logger.Logger) AnalyzerConfig {
  return AnalyzerConfig{
    BatchSize:        utils.GetEnvAsInt("ANALYZER_BATCH_SIZE", 5, log),
    MaxConcurrency:   utils.GetEnvAsInt("ANALYZER_MAX_CONCURRENCY", 3, log),
    DispatchDelay:    time.Duration(utils.GetEnvAsInt("ANALYZER_DISPATCH_DELAY_MS", 500, log)) * time.Millisecond,
    MaxRetries:       utils.GetEnvAsInt("ANALYZER_MAX_RETRIES", 3, log),
    RateLimitBackoff: time.Duration(utils.GetEnvAsInt("ANALYZER_RATE_LIMIT_BACKOFF_SECONDS", 60, log)) * time.Second,
    RetryBackoff:     time.Duration(utils.GetEnvAsInt("ANALYZER_RETRY_BACKOFF_SECONDS", 2, log)) * time.Second,
  }
}

func (c AnalyzerConfig) normalized() AnalyzerConfig {
  if c.BatchSize < 1 {
    c.BatchSize = 5
  }
  if c.MaxConcurrency < 1 {
    c.MaxConcurrency = 1
  }
  if c.MaxRetries < 1 {
    c.MaxRetries = 3
  }
  if c.RateLimitBackoff <= 0 {
    c.RateLimitBackoff = 60 * time.Second
  }
  if c.RetryBackoff <= 0 {
    c.RetryBackoff = 2 * time.Second
  }
  return c
}

type batchAnalyzer struct {
  log *logger.Logger
  ai  AIClient
  cfg AnalyzerConfig

  // injectable for tests; always context-aware
  sleep func(ctx context.Context, d time.Duration)
}

func NewBatchAnalyzer(log *logger.Logger, ai AIClient, cfg AnalyzerConfig) BatchAnalyzer {
  return &batchAnalyzer{
    log:   log.With("service", "BatchAnalyzer"),
    ai:    ai,
    cfg:   cfg.normalized(),
    sleep: ctxSleep,
  }
}

func ctxSleep(ctx context.Context, d time.Duration) {
  if d <= 0 {
    return
  }
  t := time.NewTimer(d)
  defer t.Stop()
  select {
  case <-ctx.Done():
  case <-t.C:
  }
}

// slideBatch is one contiguous partition of the deck. Slide numbers are
// 1-indexed positions in the original ordering.
type slideBatch struct {
  index   int
  numbers []int
  images  [][]byte
}

func partitionBatches(images [][]byte, batchSize int) []slideBatch {
  if len(images) == 0 {
    return nil
  }
  batches := make([]slideBatch, 0, (len(images)+batchSize-1)/batchSize)
  for start := 0; start < len(images); start += batchSize {
    end := start + batchSize
    if end > len(images) {
      end = len(images)
    }
    numbers := make([]int, 0, end-start)
    for n := start + 1; n <= end; n++ {
      numbers = append(numbers, n)
    }
    batches = append(batches, slideBatch{
      index:   len(batches),
      numbers: numbers,
      images:  images[start:end],
    })
  }
  return batches
}

func (a *batchAnalyzer) AnalyzeSlides(ctx context.Context, images [][]byte) []types.SlideRecord {
  if len(images) == 0 {
    return []types.SlideRecord{}
  }

  batches := partitionBatches(images, a.cfg.BatchSize)
  a.log.Info("Analyzing slide deck",
    "slides", len(images),
    "batches", len(batches),
    "batch_size", a.cfg.BatchSize,
    "max_concurrency", a.cfg.MaxConcurrency,
  )

  results := make([][]types.SlideRecord, len(batches))

  g, gctx := errgroup.WithContext(ctx)
  g.SetLimit(a.cfg.MaxConcurrency)
  for _, b := range batches {
    b := b
    g.Go(func() error {
      results[b.index] = a.processBatch(gctx, b)
      return nil
    })
  }
  // Workers never return errors; failures are captured as error records.
  _ = g.Wait()

  out := make([]types.SlideRecord, 0, len(images))
  for _, recs := range results {
    out = append(out, recs...)
  }
  sort.SliceStable(out, func(i, j int) bool { return out[i].SlideNumber < out[j].SlideNumber })
  return out
}

// processBatch attempts the multi-image request with rate-limit-aware
// retries, then degrades to per-slide analysis. It always returns exactly
// one record per slide in the batch.
func (a *batchAnalyzer) processBatch(ctx context.Context, b slideBatch) (recs []types.SlideRecord) {
  log := a.log.With("batch", b.index, "slides", len(b.images))

  defer func() {
    if r := recover(); r != nil {
      log.Error("Slide batch processing panicked", "panic", r)
      recs = errorRecords(b, fmt.Sprintf("batch processing panic: %v", r))
    }
  }()

  for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
    // Stagger dispatch against provider rate limits.
    a.sleep(ctx, a.cfg.DispatchDelay)

    text, err := a.ai.GenerateWithImages(ctx, buildBatchPrompt(b), b.images)
    if err != nil {
      if attempt == a.cfg.MaxRetries {
        log.Warn("Batch attempts exhausted, falling back to per-slide analysis", "error", err)
        break
      }
      delay := a.retryDelay(err)
      log.Warn("Batch request failed, retrying",
        "attempt", attempt,
        "max_retries", a.cfg.MaxRetries,
        "rate_limited", IsRateLimited(err),
        "sleep", delay.String(),
        "error", err,
      )
      a.sleep(ctx, delay)
      continue
    }

    parsed, ok := parseSlideBatch(text, b)
    if !ok {
      // Malformed shape is not retried with the same request; the
      // per-slide path re-covers every slide in this batch.
      log.Warn("Batch response unusable, falling back to per-slide analysis")
      break
    }
    return parsed
  }

  return a.analyzeSlidesIndividually(ctx, b)
}

func (a *batchAnalyzer) analyzeSlidesIndividually(ctx context.Context, b slideBatch) []types.SlideRecord {
  out := make([]types.SlideRecord, 0, len(b.images))
  for i, img := range b.images {
    out = append(out, a.analyzeSingleSlide(ctx, b.numbers[i], img))
  }
  return out
}

func (a *batchAnalyzer) analyzeSingleSlide(ctx context.Context, slideNumber int, image []byte) types.SlideRecord {
  var lastErr error
  for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
    text, err := a.ai.GenerateWithImages(ctx, buildSlidePrompt(slideNumber), [][]byte{image})
    if err == nil {
      rec, ok := parseSingleSlide(text, slideNumber)
      if ok {
        return rec
      }
      lastErr = fmt.Errorf("unparseable analysis response")
      break
    }
    lastErr = err
    if attempt == a.cfg.MaxRetries {
      break
    }
    delay := a.retryDelay(err)
    a.log.Warn("Slide analysis failed, retrying",
      "slide", slideNumber,
      "attempt", attempt,
      "sleep", delay.String(),
      "error", err,
    )
    a.sleep(ctx, delay)
  }
  a.log.Error("Slide analysis exhausted retries", "slide", slideNumber, "error", lastErr)
  return types.SlideRecord{
    SlideNumber: slideNumber,
    Error:       lastErr.Error(),
  }
}

// retryDelay picks the backoff for a failed model call: the
// provider-declared delay (plus a one-second margin) for rate limits, the
// fixed short backoff otherwise.
func (a *batchAnalyzer) retryDelay(err error) time.Duration {
  if IsRateLimited(err) {
    return providerRetryDelay(err, a.cfg.RateLimitBackoff) + time.Second
  }
  return a.cfg.RetryBackoff
}

var retryInPattern = regexp.MustCompile(`(?i)retry in\s+(\d+(?:\.\d+)?)`)

// providerRetryDelay extracts "retry in <seconds>" from the provider error
// text; fallback is the configured default (60s).
func providerRetryDelay(err error, fallback time.Duration) time.Duration {
  if err == nil {
    return fallback
  }
  m := retryInPattern.FindStringSubmatch(err.Error())
  if m == nil {
    return fallback
  }
  secs, convErr := strconv.ParseFloat(m[1], 64)
  if convErr != nil || secs <= 0 {
    return fallback
  }
  return time.Duration(secs * float64(time.Second))
}

// ---- prompts ----

func buildBatchPrompt(b slideBatch) string {
  var sb strings.Builder
  fmt.Fprintf(&sb, "You are analyzing %d lecture slides (slides %d-%d of a deck). ", len(b.images), b.numbers[0], b.numbers[len(b.numbers)-1])
  sb.WriteString("For each slide image, in order, produce one JSON object with fields: ")
  sb.WriteString(`"slide_number", "title", "main_text", "key_concepts" (array of strings), `)
  sb.WriteString(`"diagrams", "examples", "formulas" (arrays of strings), and "definitions" (array of {"term", "definition"}). `)
  sb.WriteString("Return ONLY a JSON array with exactly one object per slide, in slide order. ")
  fmt.Fprintf(&sb, "The slides are numbered %s.", joinInts(b.numbers))
  return sb.String()
}

func buildSlidePrompt(slideNumber int) string {
  return fmt.Sprintf(
    "You are analyzing a single lecture slide (slide %d of a deck). "+
      "Produce one JSON object with fields: \"slide_number\", \"title\", \"main_text\", "+
      "\"key_concepts\" (array of strings), \"diagrams\", \"examples\", \"formulas\" (arrays of strings), "+
      "and \"definitions\" (array of {\"term\", \"definition\"}). Return ONLY the JSON object.",
    slideNumber,
  )
}

func joinInts(nums []int) string {
  parts := make([]string, len(nums))
  for i, n := range nums {
    parts[i] = strconv.Itoa(n)
  }
  return strings.Join(parts, ", ")
}

// ---- response parsing ----

type slidePayload struct {
  SlideNumber int               `json:"slide_number"`
  Title       string            `json:"title"`
  MainText    string            `json:"main_text"`
  KeyConcepts []string          `json:"key_concepts"`
  Diagrams    []json.RawMessage `json:"diagrams"`
  Examples    []json.RawMessage `json:"examples"`
  Definitions []json.RawMessage `json:"definitions"`
  Formulas    []json.RawMessage `json:"formulas"`
}

// stripCodeFences removes a surrounding Markdown code fence if present.
func stripCodeFences(s string) string {
  s = strings.TrimSpace(s)
  if !strings.HasPrefix(s, "```") {
    return s
  }
  if idx := strings.Index(s, "\n"); idx >= 0 {
    s = s[idx+1:]
  } else {
    s = strings.TrimPrefix(s, "```")
  }
  s = strings.TrimSpace(s)
  s = strings.TrimSuffix(s, "```")
  return strings.TrimSpace(s)
}

// parseSlideBatch decodes the batch response. ok=false means the response
// is unusable for this batch (parse failure or count mismatch) and every
// slide must go through the per-slide path instead.
func parseSlideBatch(text string, b slideBatch) ([]types.SlideRecord, bool) {
  cleaned := stripCodeFences(text)

  var payloads []slidePayload
  if err := json.Unmarshal([]byte(cleaned), &payloads); err != nil {
    var wrapper struct {
      Slides []slidePayload `json:"slides"`
    }
    if err2 := json.Unmarshal([]byte(cleaned), &wrapper); err2 != nil || wrapper.Slides == nil {
      return nil, false
    }
    payloads = wrapper.Slides
  }
  if len(payloads) != len(b.images) {
    return nil, false
  }

  lo := b.numbers[0]
  hi := b.numbers[len(b.numbers)-1]
  out := make([]types.SlideRecord, 0, len(payloads))
  for i, p := range payloads {
    num := b.numbers[i]
    // Model-declared numbers are trusted only inside this batch's range.
    if p.SlideNumber >= lo && p.SlideNumber <= hi {
      num = p.SlideNumber
    }
    out = append(out, p.toRecord(num))
  }
  return out, true
}

func parseSingleSlide(text string, slideNumber int) (types.SlideRecord, bool) {
  cleaned := stripCodeFences(text)
  var p slidePayload
  if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
    // Some models wrap the single object in an array anyway.
    var arr []slidePayload
    if err2 := json.Unmarshal([]byte(cleaned), &arr); err2 != nil || len(arr) != 1 {
      return types.SlideRecord{}, false
    }
    p = arr[0]
  }
  return p.toRecord(slideNumber), true
}

func (p slidePayload) toRecord(slideNumber int) types.SlideRecord {
  return types.SlideRecord{
    SlideNumber: slideNumber,
    Title:       strings.TrimSpace(p.Title),
    MainText:    strings.TrimSpace(p.MainText),
    KeyConcepts: p.KeyConcepts,
    Diagrams:    flexStrings(p.Diagrams),
    Examples:    flexStrings(p.Examples),
    Definitions: flexTerms(p.Definitions),
    Formulas:    flexStrings(p.Formulas),
  }
}

// flexStrings accepts entries that are either plain strings or objects with
// a recognizable text field; models alternate between the two shapes.
func flexStrings(raw []json.RawMessage) []string {
  if len(raw) == 0 {
    return nil
  }
  out := make([]string, 0, len(raw))
  for _, r := range raw {
    var s string
    if err := json.Unmarshal(r, &s); err == nil {
      if strings.TrimSpace(s) != "" {
        out = append(out, s)
      }
      continue
    }
    var obj map[string]any
    if err := json.Unmarshal(r, &obj); err != nil {
      continue
    }
    for _, key := range []string{"description", "text", "content", "value"} {
      if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
        out = append(out, v)
        break
      }
    }
  }
  return out
}

func flexTerms(raw []json.RawMessage) []types.DefinedTerm {
  if len(raw) == 0 {
    return nil
  }
  out := make([]types.DefinedTerm, 0, len(raw))
  for _, r := range raw {
    var t types.DefinedTerm
    if err := json.Unmarshal(r, &t); err == nil && strings.TrimSpace(t.Term) != "" {
      out = append(out, t)
      continue
    }
    var s string
    if err := json.Unmarshal(r, &s); err == nil && strings.TrimSpace(s) != "" {
      term := s
      def := ""
      if idx := strings.Index(s, ":"); idx > 0 {
        term = strings.TrimSpace(s[:idx])
        def = strings.TrimSpace(s[idx+1:])
      }
      out = append(out, types.DefinedTerm{Term: term, Definition: def})
    }
  }
  return out
}

func errorRecords(b slideBatch, msg string) []types.SlideRecord {
  out := make([]types.SlideRecord, 0, len(b.numbers))
  for _, n := range b.numbers {
    out = append(out, types.SlideRecord{SlideNumber: n, Error: msg})
  }
  return out
}
