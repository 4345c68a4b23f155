package syncable

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/peersync/internal/ir"
)

// DocumentModel is the model name shared by every Document.
const DocumentModel = "document"

// Document is a generic model of string fields, used by the in-memory
// application, the CLI and scenario tests.
type Document struct {
	Partition string
	SourceID  string
	Fields    map[string]string
}

func (d *Document) ModelName() string          { return DocumentModel }
func (d *Document) CalculatePartition() string { return d.Partition }
func (d *Document) CalculateSourceID() string  { return d.SourceID }

// Serialize encodes the document as canonical JSON so equal documents
// always serialize identically.
func (d *Document) Serialize() ([]byte, error) {
	fields := d.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	return ir.MarshalCanonical(map[string]any{
		"partition": d.Partition,
		"source_id": d.SourceID,
		"fields":    fields,
	})
}

// Deserialize decodes a payload produced by Serialize.
func (d *Document) Deserialize(payload []byte) error {
	var wire struct {
		Partition string            `json:"partition"`
		SourceID  string            `json:"source_id"`
		Fields    map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return fmt.Errorf("deserialize document: %w", err)
	}
	d.Partition = wire.Partition
	d.SourceID = wire.SourceID
	d.Fields = wire.Fields
	return nil
}

// NewDocumentRegistry returns a registry for profile with Document
// registered.
func NewDocumentRegistry(profile string) *Registry {
	r := NewRegistry(profile)
	_ = r.Register(DocumentModel, func() Model { return &Document{} })
	return r
}
