package model

// Document is an ingestion unit for a retrieval collection.
type Document struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of a document, the unit of retrieval.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
}
