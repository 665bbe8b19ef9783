package dataset

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultChunkSize and DefaultChunkOverlap control the sliding window
	// applied to extracted file text before ingestion.
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// ExtractText converts an uploaded file into plain text. Supported formats:
// .txt/.md (UTF-8 with single-byte encoding fallbacks), .pdf (text layer
// only), .docx (paragraph text), and best-effort .doc via the docx parser.
func ExtractText(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".txt", ".md":
		return decodePlainText(data), nil
	case ".pdf":
		return extractPDF(data)
	case ".docx":
		return extractDOCX(data)
	case ".doc":
		// Some .doc files are docx payloads with the wrong extension; try the
		// docx parser before giving up.
		if text, err := extractDOCX(data); err == nil {
			return text, nil
		}
		return "", fmt.Errorf("dataset: %s uses the legacy .doc format; convert it to .docx and re-upload", name)
	default:
		return "", fmt.Errorf("dataset: unsupported file type %q (supported: .txt, .md, .pdf, .docx, .doc)", ext)
	}
}

// decodePlainText tries UTF-8 first, then common single-byte encodings, and
// finally a lossy UTF-8 pass.
func decodePlainText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		if decoded, err := cm.NewDecoder().Bytes(data); err == nil {
			return string(decoded)
		}
	}
	return strings.ToValidUTF8(string(data), "�")
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("dataset: parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("dataset: extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("dataset: read pdf text: %w", err)
	}
	return buf.String(), nil
}

func extractDOCX(data []byte) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("dataset: parse docx: %w", err)
	}
	lines := make([]string, 0, len(doc.Document.Body.Items))
	for _, item := range doc.Document.Body.Items {
		if para, ok := item.(*docx.Paragraph); ok {
			lines = append(lines, para.String())
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ChunkText splits text into fixed-size overlapping windows. Text at or below
// the chunk size is returned as a single chunk.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	chunks := make([]string, 0, len(runes)/(size-overlap)+1)
	for start := 0; start < len(runes); start += size - overlap {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// FileToItems extracts and chunks one uploaded file into dataset items tagged
// with uploaded-file provenance.
func FileToItems(name string, data []byte, chunkSize, chunkOverlap int) ([]Item, error) {
	text, err := ExtractText(name, data)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("dataset: no text extracted from %s", name)
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap <= 0 {
		chunkOverlap = DefaultChunkOverlap
	}

	if len([]rune(text)) <= chunkSize {
		return []Item{{
			Instruction: fmt.Sprintf("Content from %s", name),
			Output:      text,
			Source:      SourceUploadedFile,
			FileName:    name,
			TotalChunks: 1,
		}}, nil
	}

	chunks := ChunkText(text, chunkSize, chunkOverlap)
	items := make([]Item, 0, len(chunks))
	for i, chunk := range chunks {
		items = append(items, Item{
			Instruction: fmt.Sprintf("Content from %s (chunk %d/%d)", name, i+1, len(chunks)),
			Output:      chunk,
			Source:      SourceUploadedFile,
			FileName:    name,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
		})
	}
	return items, nil
}
