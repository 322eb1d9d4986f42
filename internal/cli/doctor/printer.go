package doctor

import (
	"fmt"
	"io"
	"strings"
)

// Printer formats doctor output.
type Printer struct {
	out io.Writer
}

// NewPrinter constructs a printer that writes to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// PrintHeader renders the command heading.
func (p *Printer) PrintHeader(title string) {
	fmt.Fprintf(p.out, "%s\n\n", title)
}

// PrintProject reports the project root and selected profile.
func (p *Printer) PrintProject(root, profile string) {
	fmt.Fprintf(p.out, "Project: %s\n", root)
	fmt.Fprintf(p.out, "Profile: %s\n\n", profile)
}

// PrintCheck prints the outcome of a single check.
func (p *Printer) PrintCheck(res Result) {
	line := fmt.Sprintf("[%-5s] %s", strings.ToUpper(string(res.Status)), res.Name)
	if res.Details != "" {
		line += ": " + res.Details
	}
	fmt.Fprintln(p.out, line)
}

// Summary prints aggregate status counts.
func (p *Printer) Summary(results []Result) {
	counts := map[Status]int{}
	for _, res := range results {
		counts[res.Status]++
	}
	fmt.Fprintf(p.out, "\nSummary: %d ok, %d warnings, %d errors\n", counts[StatusOK], counts[StatusWarn], counts[StatusError])
	if counts[StatusError] > 0 {
		fmt.Fprintln(p.out, "Resolve errors above then re-run 'odm doctor'.")
	}
}
