package chunker

import (
	"math"
	"strings"

	"github.com/upb/policy-rag/services"
	"go.uber.org/zap"
)

// Defaults for policy documents
const (
	DefaultChunkSize       = 800
	DefaultOverlapFraction = 0.15
	DefaultMinTailChars    = 100
)

// ErrNoContentExtracted is returned for empty or whitespace-only text
var ErrNoContentExtracted = services.NewExtractionFailure("no content extracted from document", nil)

// Config controls window size and overlap, both measured in characters (runes)
type Config struct {
	ChunkSize       int
	OverlapFraction float64
	MinTailChars    int
}

// Overlap returns the number of runes shared by consecutive chunks
func (c Config) Overlap() int {
	return int(math.Round(float64(c.ChunkSize) * c.OverlapFraction))
}

// Chunk is one window of a document. Start and End are rune offsets into the cleaned text.
type Chunk struct {
	Ordinal    int
	Text       string
	Section    *string
	Start      int
	End        int
	CharCount  int
	WordCount  int
	TokenCount int
}

// Chunker splits cleaned document text into overlapping windows
type Chunker struct {
	cfg     Config
	counter TokenCounter
	logger  *zap.Logger
}

// New creates a Chunker. Zero config fields take the defaults; a nil counter uses EstimateCounter.
func New(cfg Config, counter TokenCounter, logger *zap.Logger) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.OverlapFraction <= 0 {
		cfg.OverlapFraction = DefaultOverlapFraction
	}
	if cfg.MinTailChars <= 0 {
		cfg.MinTailChars = DefaultMinTailChars
	}
	if cfg.Overlap() >= cfg.ChunkSize {
		cfg.OverlapFraction = DefaultOverlapFraction
	}
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Chunker{
		cfg:     cfg,
		counter: counter,
		logger:  logger,
	}
}

// Config returns the effective configuration
func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk detects sections in text and splits it into ordered, overlapping chunks.
// Empty or whitespace-only text is an ExtractionFailure.
func (c *Chunker) Chunk(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoContentExtracted
	}
	return c.Split(text, DetectSections(text)), nil
}

// Split windows text and labels each chunk with the section in effect at its start
func (c *Chunker) Split(text string, sections []Section) []Chunk {
	runes := []rune(text)
	n := len(runes)
	size := c.cfg.ChunkSize
	step := size - c.cfg.Overlap()

	var chunks []Chunk
	for start := 0; ; start += step {
		end := start + size
		if end >= n {
			end = n
		} else if next := start + step; min(next+size, n)-end < c.cfg.MinTailChars {
			// the following window would add only a short tail; fold it in here
			end = n
		}

		chunkText := string(runes[start:end])
		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Text:       chunkText,
			Section:    sectionAt(sections, start),
			Start:      start,
			End:        end,
			CharCount:  end - start,
			WordCount:  len(strings.Fields(chunkText)),
			TokenCount: c.counter.Count(chunkText),
		})
		if end == n {
			break
		}
	}

	c.logger.Debug("document chunked",
		zap.Int("chars", n),
		zap.Int("sections", len(sections)),
		zap.Int("chunks", len(chunks)))
	return chunks
}
