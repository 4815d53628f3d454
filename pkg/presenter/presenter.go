// Package presenter renders skillreg command output: status lines, tables
// of skills and agents, key/value detail blocks and JSON.
package presenter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
)

// Presenter is the output surface the CLI writes through
type Presenter interface {
	Error(err error, context string)
	Success(message string)
	Warning(message string)
	Info(message string)
	Section(title string)
	Table(headers []string, rows [][]string)
	Fields(fields []Field)
	JSON(v any) error
	Confirm(question string) bool
	SetQuiet(quiet bool)
	IsQuiet() bool
}

// Field is one labelled line of a detail block.
type Field struct {
	Label string
	Value string
}

// TerminalPresenter writes to a terminal or any pair of writers
type TerminalPresenter struct {
	output      io.Writer
	errorOutput io.Writer
	input       io.Reader
	colorMode   ColorMode
	quiet       bool
}

// ColorMode selects whether output is colored
type ColorMode int

const (
	// ColorAuto colors output when the terminal supports it
	ColorAuto ColorMode = iota
	// ColorAlways forces colored output
	ColorAlways
	// ColorNever disables colored output
	ColorNever
)

// New creates a TerminalPresenter on stdout, stderr and stdin
func New() *TerminalPresenter {
	return NewWithOptions(os.Stdout, os.Stderr, detectColorMode())
}

// NewWithOptions creates a TerminalPresenter with custom writers
func NewWithOptions(output, errorOutput io.Writer, colorMode ColorMode) *TerminalPresenter {
	p := &TerminalPresenter{
		output:      output,
		errorOutput: errorOutput,
		input:       os.Stdin,
		colorMode:   colorMode,
	}

	switch colorMode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	case ColorAuto:
	}

	return p
}

// SetInput replaces the reader Confirm reads answers from.
func (p *TerminalPresenter) SetInput(r io.Reader) {
	p.input = r
}

func detectColorMode() ColorMode {
	if os.Getenv("NO_COLOR") != "" {
		return ColorNever
	}

	switch os.Getenv("SKILLREG_COLOR") {
	case "always", "force":
		return ColorAlways
	case "never", "off":
		return ColorNever
	default:
		return ColorAuto
	}
}

// Error writes an error to stderr. It is shown in quiet mode too.
func (p *TerminalPresenter) Error(err error, context string) {
	if err == nil {
		return
	}

	errorColor := color.New(color.FgRed, color.Bold)
	if context != "" {
		errorColor.Fprintf(p.errorOutput, "[ERROR] %s: %v\n", context, err)
	} else {
		errorColor.Fprintf(p.errorOutput, "[ERROR] %v\n", err)
	}
}

// Success writes a success line
func (p *TerminalPresenter) Success(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgGreen, color.Bold).Fprintf(p.output, "✓ %s\n", message)
}

// Warning writes a warning line
func (p *TerminalPresenter) Warning(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgYellow, color.Bold).Fprintf(p.output, "⚠ %s\n", message)
}

// Info writes a plain line
func (p *TerminalPresenter) Info(message string) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.output, "%s\n", message)
}

// Section writes an underlined header
func (p *TerminalPresenter) Section(title string) {
	if p.quiet {
		return
	}

	headerColor := color.New(color.Bold)
	headerColor.Fprintf(p.output, "%s\n", title)
	headerColor.Fprintf(p.output, "%s\n", strings.Repeat("-", len(title)))
}

// Table writes rows under a header row. Nothing is written for an empty
// table.
func (p *TerminalPresenter) Table(headers []string, rows [][]string) {
	if p.quiet || len(rows) == 0 {
		return
	}

	headerStyle := lipgloss.NewStyle().Bold(!color.NoColor).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderLeft(false).
		BorderRight(false).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	fmt.Fprintln(p.output, t.String())
}

// Fields writes labelled values with the labels aligned
func (p *TerminalPresenter) Fields(fields []Field) {
	if p.quiet || len(fields) == 0 {
		return
	}

	width := 0
	for _, f := range fields {
		width = max(width, len(f.Label))
	}
	labelColor := color.New(color.FgCyan)
	for _, f := range fields {
		labelColor.Fprintf(p.output, "%-*s", width+1, f.Label+":")
		fmt.Fprintf(p.output, " %s\n", f.Value)
	}
}

// JSON writes v as indented JSON. Quiet mode does not suppress it.
func (p *TerminalPresenter) JSON(v any) error {
	enc := json.NewEncoder(p.output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Confirm asks a yes/no question and reports whether the answer was yes.
// Anything other than y or yes, including a read error, is a no.
func (p *TerminalPresenter) Confirm(question string) bool {
	color.New(color.FgCyan).Fprintf(p.output, "%s [y/N]: ", question)

	response, err := bufio.NewReader(p.input).ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// SetQuiet enables or disables quiet mode
func (p *TerminalPresenter) SetQuiet(quiet bool) {
	p.quiet = quiet
}

// IsQuiet reports whether quiet mode is enabled
func (p *TerminalPresenter) IsQuiet() bool {
	return p.quiet
}

var defaultPresenter = New()

// Default returns the process-wide presenter.
func Default() *TerminalPresenter {
	return defaultPresenter
}

// Error writes an error using the default presenter.
func Error(err error, context string) {
	defaultPresenter.Error(err, context)
}

// Success writes a success line using the default presenter.
func Success(message string) {
	defaultPresenter.Success(message)
}

// Warning writes a warning line using the default presenter.
func Warning(message string) {
	defaultPresenter.Warning(message)
}

// Info writes a plain line using the default presenter.
func Info(message string) {
	defaultPresenter.Info(message)
}

// Section writes a header using the default presenter.
func Section(title string) {
	defaultPresenter.Section(title)
}

// Table writes a table using the default presenter.
func Table(headers []string, rows [][]string) {
	defaultPresenter.Table(headers, rows)
}

// Fields writes a detail block using the default presenter.
func Fields(fields []Field) {
	defaultPresenter.Fields(fields)
}

// JSON writes v as JSON using the default presenter.
func JSON(v any) error {
	return defaultPresenter.JSON(v)
}

// Confirm asks a yes/no question using the default presenter.
func Confirm(question string) bool {
	return defaultPresenter.Confirm(question)
}

// SetQuiet sets quiet mode on the default presenter.
func SetQuiet(quiet bool) {
	defaultPresenter.SetQuiet(quiet)
}

// IsQuiet reports quiet mode of the default presenter.
func IsQuiet() bool {
	return defaultPresenter.IsQuiet()
}
