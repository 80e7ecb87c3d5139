// Package chunker splits Markdown documents into overlapping, hashed,
// deterministically identified chunks ready for embedding.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the window size in characters.
	DefaultChunkSize = 1000
	// DefaultOverlap is how many characters consecutive windows share.
	DefaultOverlap = 125

	// maxHeadingDepth is the deepest heading level that updates the
	// title path; deeper headings are treated as body text.
	maxHeadingDepth = 3

	titlePathSep = " / "
)

// Chunker turns raw Markdown into ordered chunks.
type Chunker struct {
	chunkSize int
	overlap   int
}

// New creates a Chunker. Non-positive arguments fall back to defaults.
func New(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk parses heading structure and produces the ordered chunk sequence
// for one document. Headings of depth 1..3 open a new section and extend
// the title path; each flushed section is split into overlapping windows.
// The first line of every section is seeded with the title path so that
// heading-only documents still yield retrievable content.
func (c *Chunker) Chunk(content, docID, relPath string) []domain.Chunk {
	var (
		stack     []string
		section   string
		titlePath string
		buf       []string
		out       []domain.Chunk
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = nil
		if text == "" {
			return
		}
		for _, piece := range c.split(text) {
			out = append(out, domain.Chunk{
				DocID:     docID,
				Path:      relPath,
				TitlePath: titlePath,
				Section:   section,
				Text:      piece,
				Hash:      HashText(piece),
			})
		}
	}

	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		if depth, title, ok := parseHeading(stripped); ok {
			flush()
			// Truncating to depth-1 discards deeper titles so a
			// shallower heading never inherits its predecessor's
			// descendants in the path.
			keep := depth - 1
			if keep > len(stack) {
				keep = len(stack)
			}
			stack = append(stack[:keep], title)
			titlePath = strings.Join(stack, titlePathSep)
			section = title

			seed := titlePath
			if seed == "" {
				seed = section
			}
			buf = []string{seed}
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return out
}

// parseHeading reports whether a trimmed line is a heading that opens a
// new section. Headings deeper than maxHeadingDepth, or with no title
// text, are body text.
func parseHeading(stripped string) (depth int, title string, ok bool) {
	if !strings.HasPrefix(stripped, "#") {
		return 0, "", false
	}
	depth = len(stripped) - len(strings.TrimLeft(stripped, "#"))
	title = strings.TrimSpace(stripped[depth:])
	if depth == 0 || depth > maxHeadingDepth || title == "" {
		return 0, "", false
	}
	return depth, title, true
}

// split slides a window of chunkSize characters across text with stride
// chunkSize-overlap. The final window always ends exactly at the text's
// end. Windows are trimmed; empty windows are dropped.
func (c *Chunker) split(text string) []string {
	runes := []rune(text)
	total := len(runes)
	if total <= c.chunkSize {
		return []string{text}
	}

	step := c.chunkSize - c.overlap
	if step < 1 {
		step = 1
	}

	var pieces []string
	for start := 0; start < total; start += step {
		end := start + c.chunkSize
		if end > total {
			end = total
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		if end >= total {
			break
		}
	}
	return pieces
}

// DocID derives a stable, content-independent document id from the
// document's relative path.
func DocID(relPath string) string {
	return HashText(relPath)
}

// HashText returns the hex sha256 of a string.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// PointID derives the storage identity of a chunk from its document,
// sequence index, and content hash. Re-upserting unchanged content
// yields the same id.
func PointID(docID string, index int, hash string) string {
	name := fmt.Sprintf("%s:%d:%s", docID, index, hash)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
