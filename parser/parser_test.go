package parser

import "testing"

func TestRegistryBuiltInExtractors(t *testing.T) {
	reg := NewRegistry()

	formats := []string{"pdf", "docx", "xlsx", "xls", "txt", "md"}

	for _, format := range formats {
		t.Run(format, func(t *testing.T) {
			e, err := reg.Get(format)
			if err != nil {
				t.Fatalf("Get(%q) returned error: %v", format, err)
			}
			supported := e.SupportedFormats()
			found := false
			for _, f := range supported {
				if f == format {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("extractor for %q does not list %q in SupportedFormats(): %v", format, format, supported)
			}
		})
	}
}

func TestRegistryUnknown(t *testing.T) {
	reg := NewRegistry()

	for _, format := range []string{"csv", "json", "html", "rtf", "odt", "pptx", ""} {
		t.Run("format_"+format, func(t *testing.T) {
			e, err := reg.Get(format)
			if err == nil {
				t.Errorf("Get(%q) expected error for unregistered format, got %v", format, e)
			}
			if e != nil {
				t.Errorf("Get(%q) expected nil extractor for unregistered format", format)
			}
		})
	}
}

func TestRegistryCustomExtractor(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Get("custom"); err == nil {
		t.Fatal("expected error for unregistered format before Register")
	}

	reg.Register("custom", &TextExtractor{})
	e, err := reg.Get("custom")
	if err != nil {
		t.Fatalf("Get(\"custom\") after Register returned error: %v", err)
	}
	if e == nil {
		t.Fatal("Get(\"custom\") returned nil after Register")
	}
}
