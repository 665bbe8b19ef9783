package knowledge

import "context"

// SourceUploadedFile is the payload source tag for documents that came from
// user-uploaded files rather than a stored dataset.
const SourceUploadedFile = "uploaded_file"

// Document is one entry in a vector collection. Text is the embedded
// content; the remaining fields are payload carried alongside the vector.
// Distance is populated on query results only: smaller means closer.
type Document struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Instruction string            `json:"instruction,omitempty"`
	Source      string            `json:"source,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Distance    float64           `json:"distance,omitempty"`
}

// Store is a named-collection vector store. Implementations embed document
// text on ingest and query text on search.
type Store interface {
	CreateCollection(ctx context.Context, name, description string) error
	Ingest(ctx context.Context, collection string, docs []Document) error
	Query(ctx context.Context, collection, text string, topK int) ([]Document, error)
	GetAll(ctx context.Context, collection string) ([]Document, error)
}
