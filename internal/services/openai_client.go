package services

import (
  "bytes"
  "context"
  "encoding/base64"
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "math/rand"
  "net"
  "net/http"
  "os"
  "strconv"
  "strings"
  "time"

  "github.com/studydeck/backend/internal/logger"
)

// AIClient is the boundary to the vision/text model provider. Generation
// calls do NOT retry internally; the batch analyzer owns that policy and
// needs rate-limit errors surfaced verbatim. Embeddings keep a backoff loop
// since they sit outside the analyzer's recovery path.
type AIClient interface {
  Generate(ctx context.Context, prompt string) (string, error)
  GenerateWithImages(ctx context.Context, prompt string, images [][]byte) (string, error)
  GenerateWithImagesAsync(ctx context.Context, prompt string, images [][]byte) <-chan ImageGenResult
  Embed(ctx context.Context, inputs []string) ([][]float32, error)
  EmbedModel() string
}

type ImageGenResult struct {
  Text string
  Err  error
}

type openAIClient struct {
  log        *logger.Logger
  baseURL    string
  apiKey     string
  model      string
  embedModel string
  httpClient *http.Client

  embedMaxRetries int
}

func NewOpenAIClient(log *logger.Logger) (AIClient, error) {
  apiKey := os.Getenv("OPENAI_API_KEY")
  if apiKey == "" {
    return nil, fmt.Errorf("missing OPENAI_API_KEY")
  }

  baseURL := os.Getenv("OPENAI_BASE_URL")
  if baseURL == "" {
    baseURL = "https://api.openai.com"
  }

  model := os.Getenv("OPENAI_MODEL")
  if model == "" {
    model = "gpt-5.2"
  }

  embed := os.Getenv("OPENAI_EMBED_MODEL")
  if embed == "" {
    embed = "text-embedding-3-small"
  }

  // IMPORTANT: default timeout higher for multi-image analysis workloads
  timeoutSec := 180
  if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
    if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
      timeoutSec = parsed
    }
  }

  embedMaxRetries := 4
  if v := os.Getenv("OPENAI_EMBED_MAX_RETRIES"); v != "" {
    if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
      embedMaxRetries = parsed
    }
  }

  return &openAIClient{
    log:             log.With("service", "OpenAIClient"),
    baseURL:         baseURL,
    apiKey:          apiKey,
    model:           model,
    embedModel:      embed,
    httpClient:      &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
    embedMaxRetries: embedMaxRetries,
  }, nil
}

func (c *openAIClient) EmbedModel() string { return c.embedModel }

type openAIHTTPError struct {
  StatusCode int
  Body       string
}

func (e *openAIHTTPError) Error() string {
  return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether the provider signaled throttling: HTTP 429
// or a quota marker in the error text.
func IsRateLimited(err error) bool {
  if err == nil {
    return false
  }
  var httpErr *openAIHTTPError
  if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
    return true
  }
  return strings.Contains(strings.ToLower(err.Error()), "quota")
}

func isRetryableHTTP(code int) bool {
  if code == 408 || code == 429 {
    return true
  }
  if code >= 500 && code <= 599 {
    return true
  }
  return false
}

func isRetryableErr(err error) bool {
  if err == nil {
    return false
  }
  if errors.Is(err, context.Canceled) {
    return false
  }
  if errors.Is(err, context.DeadlineExceeded) {
    // per-request client timeout; the retry loop checks the caller ctx.
    return true
  }
  var netErr net.Error
  if errors.As(err, &netErr) {
    if netErr.Timeout() {
      return true
    }
  }
  var httpErr *openAIHTTPError
  if errors.As(err, &httpErr) {
    return isRetryableHTTP(httpErr.StatusCode)
  }
  return false
}

func jitterSleep(base time.Duration) time.Duration {
  // +/- 20%
  if base <= 0 {
    return 0
  }
  j := 0.2
  delta := base.Seconds() * j
  low := base.Seconds() - delta
  high := base.Seconds() + delta
  if low < 0 {
    low = 0
  }
  v := low + rand.Float64()*(high-low)
  return time.Duration(v * float64(time.Second))
}

func (c *openAIClient) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
  var buf bytes.Buffer
  if body != nil {
    if err := json.NewEncoder(&buf).Encode(body); err != nil {
      return nil, nil, err
    }
  }

  req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
  if err != nil {
    return nil, nil, err
  }
  req.Header.Set("Authorization", "Bearer "+c.apiKey)
  req.Header.Set("Content-Type", "application/json")

  resp, err := c.httpClient.Do(req)
  if err != nil {
    return nil, nil, err
  }

  raw, readErr := io.ReadAll(resp.Body)
  _ = resp.Body.Close()
  if readErr != nil {
    return resp, nil, readErr
  }

  if resp.StatusCode < 200 || resp.StatusCode >= 300 {
    return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
  }
  return resp, raw, nil
}

// doWithRetry backs off on retryable failures, honoring Retry-After.
// Used for embeddings only; generation calls go through doOnce so the
// analyzer sees provider errors unmodified.
func (c *openAIClient) doWithRetry(ctx context.Context, method, path string, body any, out any) error {
  backoff := 1 * time.Second

  for attempt := 0; attempt <= c.embedMaxRetries; attempt++ {
    if ctx.Err() != nil {
      return ctx.Err()
    }

    resp, raw, err := c.doOnce(ctx, method, path, body)
    if err == nil {
      if out == nil {
        return nil
      }
      if uErr := json.Unmarshal(raw, out); uErr != nil {
        return fmt.Errorf("openai decode error: %w; raw=%s", uErr, string(raw))
      }
      return nil
    }

    if !isRetryableErr(err) {
      return err
    }
    if attempt == c.embedMaxRetries {
      return err
    }

    // Respect Retry-After when present
    sleepFor := backoff
    if resp != nil {
      ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
      if ra != "" {
        if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
          sleepFor = time.Duration(secs) * time.Second
        }
      }
    }
    if sleepFor > 10*time.Second {
      sleepFor = 10 * time.Second
    }
    sleepFor = jitterSleep(sleepFor)

    c.log.Warn("OpenAI request retrying",
      "path", path,
      "attempt", attempt+1,
      "max_retries", c.embedMaxRetries,
      "sleep", sleepFor.String(),
      "error", err.Error(),
    )

    select {
    case <-ctx.Done():
      return ctx.Err()
    case <-time.After(sleepFor):
    }
    backoff *= 2
  }

  return fmt.Errorf("unreachable retry loop")
}

// ---- Responses API ----

type responseContentPart struct {
  Type     string `json:"type"`                // input_text | input_image
  Text     string `json:"text,omitempty"`      // input_text
  ImageURL string `json:"image_url,omitempty"` // input_image (data URL)
}

type responsesRequest struct {
  Model string `json:"model"`
  Input []struct {
    Role    string                `json:"role"`
    Content []responseContentPart `json:"content"`
  } `json:"input"`
  Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
  Output []struct {
    Type    string `json:"type"`
    Role    string `json:"role,omitempty"`
    Content []struct {
      Type string `json:"type"`
      Text string `json:"text,omitempty"`
    } `json:"content,omitempty"`
  } `json:"output"`
  Refusal string `json:"refusal,omitempty"`
}

func (c *openAIClient) generate(ctx context.Context, prompt string, images [][]byte) (string, error) {
  parts := make([]responseContentPart, 0, len(images)+1)
  parts = append(parts, responseContentPart{Type: "input_text", Text: prompt})
  for _, img := range images {
    parts = append(parts, responseContentPart{
      Type:     "input_image",
      ImageURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
    })
  }

  req := responsesRequest{
    Model:       c.model,
    Temperature: 0.2,
  }
  req.Input = append(req.Input, struct {
    Role    string                `json:"role"`
    Content []responseContentPart `json:"content"`
  }{Role: "user", Content: parts})

  _, raw, err := c.doOnce(ctx, "POST", "/v1/responses", req)
  if err != nil {
    return "", err
  }

  var resp responsesResponse
  if err := json.Unmarshal(raw, &resp); err != nil {
    return "", fmt.Errorf("openai decode error: %w; raw=%s", err, string(raw))
  }
  if resp.Refusal != "" {
    return "", fmt.Errorf("model refused: %s", resp.Refusal)
  }

  var text string
  for _, item := range resp.Output {
    if item.Type == "message" && item.Role == "assistant" {
      for _, part := range item.Content {
        if part.Type == "output_text" && part.Text != "" {
          text += part.Text
        }
      }
    }
  }
  if text == "" {
    return "", fmt.Errorf("no output_text found in response")
  }
  return text, nil
}

func (c *openAIClient) Generate(ctx context.Context, prompt string) (string, error) {
  return c.generate(ctx, prompt, nil)
}

func (c *openAIClient) GenerateWithImages(ctx context.Context, prompt string, images [][]byte) (string, error) {
  return c.generate(ctx, prompt, images)
}

func (c *openAIClient) GenerateWithImagesAsync(ctx context.Context, prompt string, images [][]byte) <-chan ImageGenResult {
  ch := make(chan ImageGenResult, 1)
  go func() {
    defer close(ch)
    text, err := c.generate(ctx, prompt, images)
    ch <- ImageGenResult{Text: text, Err: err}
  }()
  return ch
}

// ---- Embeddings ----

type embeddingsRequest struct {
  Model string   `json:"model"`
  Input []string `json:"input"`
}

type embeddingsResponse struct {
  Data []struct {
    Embedding []float64 `json:"embedding"`
    Index     int       `json:"index"`
  } `json:"data"`
}

func (c *openAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
  if len(inputs) == 0 {
    return [][]float32{}, nil
  }
  req := embeddingsRequest{
    Model: c.embedModel,
    Input: inputs,
  }
  var resp embeddingsResponse
  if err := c.doWithRetry(ctx, "POST", "/v1/embeddings", req, &resp); err != nil {
    return nil, err
  }
  out := make([][]float32, len(inputs))
  for _, d := range resp.Data {
    vec := make([]float32, len(d.Embedding))
    for i, f := range d.Embedding {
      vec[i] = float32(f)
    }
    if d.Index >= 0 && d.Index < len(out) {
      out[d.Index] = vec
    }
  }
  for i := range out {
    if out[i] == nil {
      return nil, fmt.Errorf("missing embedding for index %d", i)
    }
  }
  return out, nil
}
