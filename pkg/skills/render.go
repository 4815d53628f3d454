package skills

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Render produces SKILL.md content from metadata and a markdown body. The
// output parses back to the same metadata with Parser.Parse.
func Render(md Metadata, body string) ([]byte, error) {
	if strings.TrimSpace(md.Name) == "" {
		return nil, ErrMissingName
	}
	if strings.TrimSpace(md.Description) == "" {
		return nil, ErrMissingDescription
	}

	var front bytes.Buffer
	enc := yaml.NewEncoder(&front)
	enc.SetIndent(2)
	if err := enc.Encode(md); err != nil {
		return nil, errors.Wrap(err, "failed to encode frontmatter")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to encode frontmatter")
	}

	var out bytes.Buffer
	out.WriteString("---\n")
	out.Write(front.Bytes())
	out.WriteString("---\n\n")
	out.WriteString(strings.TrimLeft(body, "\n"))
	if !strings.HasSuffix(body, "\n") {
		out.WriteString("\n")
	}
	return out.Bytes(), nil
}
