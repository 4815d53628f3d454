package skills

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
)

// FileName is the definition file inside every skill directory.
const FileName = "SKILL.md"

var (
	// ErrMissingFrontmatter is returned when SKILL.md has no YAML front matter.
	ErrMissingFrontmatter = errors.New("missing frontmatter")
	// ErrMissingName is returned when the front matter has no name.
	ErrMissingName = errors.New("skill name is required in frontmatter")
	// ErrMissingDescription is returned when the front matter has no description.
	ErrMissingDescription = errors.New("skill description is required in frontmatter")
)

// Parser converts SKILL.md bytes into metadata and body. It is safe for
// concurrent use.
type Parser struct {
	md goldmark.Markdown
}

// NewParser creates a front matter parser
func NewParser() *Parser {
	return &Parser{
		md: goldmark.New(goldmark.WithExtensions(meta.Meta)),
	}
}

// Parse extracts metadata and the markdown body from raw SKILL.md content.
func (p *Parser) Parse(content []byte) (*Metadata, string, error) {
	if !hasFrontmatter(content) {
		return nil, "", ErrMissingFrontmatter
	}

	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := p.md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, "", errors.Wrap(err, "failed to parse markdown")
	}

	raw, err := meta.TryGet(pctx)
	if err != nil {
		return nil, "", errors.Wrap(err, "invalid frontmatter")
	}
	if raw == nil {
		return nil, "", ErrMissingFrontmatter
	}

	var md Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToListHook,
		WeaklyTypedInput: true,
		Result:           &md,
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to create frontmatter decoder")
	}
	if err := decoder.Decode(normalize(raw)); err != nil {
		return nil, "", errors.Wrap(err, "failed to decode frontmatter")
	}

	md.Name = strings.TrimSpace(md.Name)
	md.Description = strings.TrimSpace(md.Description)
	if md.Name == "" {
		return nil, "", ErrMissingName
	}
	if md.Description == "" {
		return nil, "", ErrMissingDescription
	}
	if len(md.Extra) == 0 {
		md.Extra = nil
	}

	return &md, extractBodyContent(string(content)), nil
}

func hasFrontmatter(content []byte) bool {
	content = bytes.TrimPrefix(content, []byte("\ufeff"))
	return bytes.HasPrefix(content, []byte("---"))
}

// stringToListHook accepts "Read, Grep Bash" style tool lists as well as
// YAML sequences.
func stringToListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	fields := strings.FieldsFunc(data.(string), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return fields, nil
}

// normalize converts the map[interface{}]interface{} values produced by the
// YAML decoder into map[string]any so that Extra stays JSON-encodable.
func normalize(v any) map[string]any {
	out, _ := normalizeValue(v).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	frontmatterEnd := -1

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}

	if frontmatterEnd == -1 {
		return content
	}

	return strings.TrimLeft(strings.Join(lines[frontmatterEnd+1:], "\n"), "\r\n")
}
