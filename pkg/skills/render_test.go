package skills

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderParsesBack(t *testing.T) {
	in := Metadata{
		Name:         "release-notes",
		Description:  "Draft release notes: from merged PRs",
		License:      "Apache-2.0",
		AllowedTools: []string{"Read", "Bash"},
		Attribution:  &Attribution{Author: "ops", Version: "0.1.0"},
		Extra:        map[string]any{"homepage": "https://example.com"},
	}

	out, err := Render(in, "# Release Notes\n\nSteps.")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "---\nname: release-notes\n"))
	assert.True(t, strings.HasSuffix(string(out), "Steps.\n"))

	md, body, err := NewParser().Parse(out)
	require.NoError(t, err)
	assert.Equal(t, in.Name, md.Name)
	assert.Equal(t, in.Description, md.Description)
	assert.Equal(t, in.License, md.License)
	assert.Equal(t, in.AllowedTools, md.AllowedTools)
	assert.Equal(t, "ops", md.Author())
	assert.Equal(t, "0.1.0", md.Version())
	assert.Equal(t, "https://example.com", md.Extra["homepage"])
	assert.Equal(t, "# Release Notes\n\nSteps.\n", body)
}

func TestRenderRequiresFields(t *testing.T) {
	_, err := Render(Metadata{Description: "x"}, "")
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = Render(Metadata{Name: "x"}, "")
	assert.ErrorIs(t, err, ErrMissingDescription)
}
