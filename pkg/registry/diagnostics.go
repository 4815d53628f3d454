package registry

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillreg/pkg/pathutil"
)

// DiagnosticKind classifies a problem found while scanning.
type DiagnosticKind int

const (
	// TransientIO covers permission errors and missing directories.
	TransientIO DiagnosticKind = iota
	// BrokenLink marks a symlink whose target is gone. It signals absence
	// rather than a fault.
	BrokenLink
	// CyclicOrTooDeepLink marks a symlink chain that could not be resolved.
	CyclicOrTooDeepLink
	// ParseFailure marks a SKILL.md that could not be parsed.
	ParseFailure
	// ManifestCorrupt marks an unreadable lock file.
	ManifestCorrupt
)

func (k DiagnosticKind) String() string {
	switch k {
	case TransientIO:
		return "transient-io"
	case BrokenLink:
		return "broken-link"
	case CyclicOrTooDeepLink:
		return "cyclic-or-too-deep-link"
	case ParseFailure:
		return "parse-failure"
	case ManifestCorrupt:
		return "manifest-corrupt"
	default:
		return fmt.Sprintf("DiagnosticKind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k DiagnosticKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Diagnostic is one isolated scan problem.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Agent   string         `json:"agent,omitempty"`
	Path    string         `json:"path"`
	Message string         `json:"message"`
	// NotFound is set when the path simply does not exist.
	NotFound bool `json:"notFound,omitempty"`
}

func (d Diagnostic) Error() string {
	if d.Agent != "" {
		return fmt.Sprintf("%s: %s (%s): %s", d.Kind, d.Path, d.Agent, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Path, d.Message)
}

// Actionable reports whether the diagnostic points at something a user may
// want to fix. Broken links and absent directories are expected states.
func (d Diagnostic) Actionable() bool {
	return d.Kind != BrokenLink && !d.NotFound
}

// Diagnostics is the list attached to a snapshot.
type Diagnostics []Diagnostic

// Err aggregates the actionable diagnostics, or returns nil when there are
// none.
func (ds Diagnostics) Err() error {
	var result *multierror.Error
	for _, d := range ds {
		if d.Actionable() {
			result = multierror.Append(result, d)
		}
	}
	return result.ErrorOrNil()
}

// Of returns the diagnostics of the given kind.
func (ds Diagnostics) Of(kind DiagnosticKind) Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// classify maps a canonicalization failure onto a diagnostic kind.
func classify(err error) DiagnosticKind {
	switch {
	case errors.Is(err, pathutil.ErrBrokenLink):
		return BrokenLink
	case errors.Is(err, pathutil.ErrCyclicOrTooDeep):
		return CyclicOrTooDeepLink
	default:
		return TransientIO
	}
}
