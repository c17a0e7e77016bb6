package scanning

import "context"

// Field types reported by the analysis backends
const (
	FieldTotal      = "TOTAL"
	FieldVendorName = "VENDOR_NAME"
)

// Field is one typed value detected in a document
type Field struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Scanner defines the interface for document analysis backends
type Scanner interface {
	// ScanDocument analyzes an invoice image/PDF and returns the detected fields
	ScanDocument(ctx context.Context, data []byte, contentType string) ([]Field, error)
	// Close closes the scanner and releases resources
	Close() error
}
