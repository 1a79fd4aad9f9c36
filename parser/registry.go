package parser

import "fmt"

// Registry dispatches a file extension to the Extractor that handles it.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry builds a Registry with the built-in extractors registered,
// keyed by each extractor's own SupportedFormats().
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}

	for _, e := range []Extractor{
		&PDFExtractor{},
		&DOCXExtractor{},
		&XLSXExtractor{},
		&TextExtractor{},
	} {
		for _, f := range e.SupportedFormats() {
			r.extractors[f] = e
		}
	}
	return r
}

// Get returns the Extractor registered for format, or an error wrapping
// ErrUnsupported-style behaviour for the caller to classify.
func (r *Registry) Get(format string) (Extractor, error) {
	e, ok := r.extractors[format]
	if !ok {
		return nil, fmt.Errorf("no extractor for format: %s", format)
	}
	return e, nil
}

// Register overrides or adds an extractor for a format.
func (r *Registry) Register(format string, e Extractor) {
	r.extractors[format] = e
}
