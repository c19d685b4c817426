package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// Printer renders command results in the configured format. Text output is
// supplied by each command; json and yaml are derived from the value.
type Printer struct {
	Format string
	Writer io.Writer
}

func (p *Printer) Print(v any, text func(w io.Writer)) error {
	switch p.Format {
	case "json":
		enc := json.NewEncoder(p.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API's field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		enc := yaml.NewEncoder(p.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return enc.Close()
	default:
		text(p.Writer)
		return nil
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
