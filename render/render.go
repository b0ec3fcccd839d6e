// Package render holds the artifact-rendering boundary: a deterministic
// renderer producing the finished document bytes, and a store that persists
// them and hands back an opaque reference.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// FieldValue is one fully resolved placed field.
type FieldValue struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value string  `json:"value"`
	Page  int     `json:"page"`
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
	W     float32 `json:"w"`
	H     float32 `json:"h"`
}

// Renderer produces the final artifact bytes. Must be deterministic: identical
// inputs yield identical bytes, which is what makes finalization retry-safe.
type Renderer interface {
	Render(ctx context.Context, documentRef string, fields []FieldValue) ([]byte, error)
}

// ArtifactStore persists artifact bytes and returns a stable reference.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// OverlayRenderer is the built-in renderer: a canonical JSON overlay of the
// source document reference and its resolved fields, sorted by field name.
// Production deployments swap in the external PDF renderer behind the same
// interface.
type OverlayRenderer struct{}

func (OverlayRenderer) Render(_ context.Context, documentRef string, fields []FieldValue) ([]byte, error) {
	sorted := make([]FieldValue, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	doc := struct {
		Document string       `json:"document"`
		Fields   []FieldValue `json:"fields"`
	}{Document: documentRef, Fields: sorted}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("render: encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}
