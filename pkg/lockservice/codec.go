package lockservice

import (
	"encoding/json"
	"fmt"
)

// EncodeDocument serializes a document for record stores that persist bytes.
func EncodeDocument(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock document: %w", err)
	}
	return data, nil
}

// DecodeDocument deserializes a document written by EncodeDocument.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode lock document: %w", err)
	}
	return &doc, nil
}
