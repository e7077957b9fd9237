package merge

import (
	"strings"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

func sourceName(s string) model.SourceName {
	return model.SourceName(s)
}

// parsePrefixList parses a comma-separated list of dotted paths into
// document.Path prefixes, as used by the reject policy's "paths"
// setting in the config file (e.g. "paths = \"billing.iban,internal.note\"").
func parsePrefixList(raw string) []document.Path {
	parts := strings.Split(raw, ",")
	out := make([]document.Path, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, document.Path(strings.Split(p, ".")))
	}
	return out
}
