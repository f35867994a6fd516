package commands

import (
	"fmt"
	"io"
	"strings"

	"peershare/datamodel/peer"
	"peershare/swarm/transfer"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	mutedColor   = lipgloss.Color("#6c757d")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	identityStyle = lipgloss.NewStyle().Bold(true)

	infoStyle = lipgloss.NewStyle().Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))
)

func renderSnapshot(w io.Writer, snap *peer.Snapshot) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Registry version %d, %d peers", snap.Version, snap.Len())))
	if snap.Len() == 0 {
		fmt.Fprintln(w, infoStyle.Render("  no peers registered"))
		return
	}

	width := 0
	for _, rec := range snap.Records {
		width = max(width, len(rec.Identity))
	}
	idCol := identityStyle.Width(width + 2)

	for _, rec := range snap.Records {
		files := infoStyle.Render("(no files)")
		if len(rec.Files) > 0 {
			files = strings.Join(rec.Files, ", ")
		}
		fmt.Fprintf(w, "  %s%s  %s\n", idCol.Render(rec.Identity), infoStyle.Render(rec.Address.TransferAddr()), files)
	}
}

func renderOwners(w io.Writer, filename string, owners []string) {
	if len(owners) == 0 {
		fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("nobody offers %s", filename)))
		return
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(filename+":"), strings.Join(owners, ", "))
}

func renderResult(w io.Writer, res *transfer.Result) {
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("received %s (%d bytes)", res.Path, res.Length)))
}

func renderError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("error: "+err.Error()))
}
