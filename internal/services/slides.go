package services

import (
  "context"
  "fmt"
  "os"
  "os/exec"
  "path/filepath"
  "regexp"
  "sort"
  "strconv"
  "time"

  "github.com/studydeck/backend/internal/logger"
)

// SlideRenderer turns a source slide deck (PDF bytes) into ordered,
// 1-indexed per-page PNG images.
type SlideRenderer interface {
  RenderPDF(ctx context.Context, pdf []byte) ([][]byte, error)
}

type slideRenderer struct {
  log          *logger.Logger
  pdftoppmPath string
  dpi          int
  timeout      time.Duration
}

func NewSlideRenderer(log *logger.Logger) SlideRenderer {
  return &slideRenderer{
    log:          log.With("service", "SlideRenderer"),
    pdftoppmPath: "pdftoppm",
    dpi:          150,
    timeout:      5 * time.Minute,
  }
}

var pageImagePattern = regexp.MustCompile(`^page-(\d+)\.png$`)

func (s *slideRenderer) RenderPDF(ctx context.Context, pdf []byte) ([][]byte, error) {
  if len(pdf) == 0 {
    return nil, fmt.Errorf("empty pdf input")
  }
  if _, err := exec.LookPath(s.pdftoppmPath); err != nil {
    return nil, fmt.Errorf("pdftoppm not available: %w", err)
  }

  dir, err := os.MkdirTemp("", "studydeck-slides-*")
  if err != nil {
    return nil, fmt.Errorf("mkdir temp: %w", err)
  }
  defer os.RemoveAll(dir)

  pdfPath := filepath.Join(dir, "deck.pdf")
  if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
    return nil, fmt.Errorf("write temp pdf: %w", err)
  }

  ctx, cancel := context.WithTimeout(ctx, s.timeout)
  defer cancel()

  prefix := filepath.Join(dir, "page")
  args := []string{"-r", strconv.Itoa(s.dpi), "-png", pdfPath, prefix}
  cmd := exec.CommandContext(ctx, s.pdftoppmPath, args...)
  out, err := cmd.CombinedOutput()
  if err != nil {
    return nil, fmt.Errorf("pdftoppm failed: %w; out=%s", err, string(out))
  }

  entries, err := os.ReadDir(dir)
  if err != nil {
    return nil, fmt.Errorf("read render dir: %w", err)
  }

  type page struct {
    num  int
    path string
  }
  pages := make([]page, 0, len(entries))
  for _, e := range entries {
    if e.IsDir() {
      continue
    }
    m := pageImagePattern.FindStringSubmatch(e.Name())
    if m == nil {
      continue
    }
    n, convErr := strconv.Atoi(m[1])
    if convErr != nil {
      continue
    }
    pages = append(pages, page{num: n, path: filepath.Join(dir, e.Name())})
  }
  if len(pages) == 0 {
    return nil, fmt.Errorf("no images produced by pdftoppm; out=%s", string(out))
  }
  sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

  images := make([][]byte, 0, len(pages))
  for _, p := range pages {
    b, readErr := os.ReadFile(p.path)
    if readErr != nil {
      return nil, fmt.Errorf("read rendered page %d: %w", p.num, readErr)
    }
    images = append(images, b)
  }
  s.log.Debug("Rendered slide deck", "pages", len(images), "dpi", s.dpi)
  return images, nil
}
