package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
	appStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	scoreStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AF87FF"))
)

const (
	appColWidth   = 16
	titleColWidth = 48
	textPreview   = 100
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitErr(err)
	}
	fmt.Println(string(data))
}

// truncate shortens s to at most w display cells, counting wide runes
// (CJK window titles are common) as two.
func truncate(s string, w int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, w, "…")
}

// pad truncates and right-pads s to exactly w display cells.
func pad(s string, w int) string {
	return runewidth.FillRight(truncate(s, w), w)
}

func printPage(p *search.Page) {
	if jsonOut {
		printJSON(p)
		return
	}
	for _, d := range p.Degraded {
		fmt.Fprintln(os.Stderr, warnStyle.Render("degraded: "+d))
	}
	if len(p.Items) == 0 {
		fmt.Println("No matching activity.")
		return
	}
	for _, it := range p.Items {
		printRecordLine(it.Record, it.Score, p.OrderBy == search.OrderRank)
	}
	shown := p.Offset + len(p.Items)
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d–%d of %d (order: %s)", p.Offset+1, shown, p.Total, p.OrderBy)))
}

func printRecordLine(rec store.ActivityRecord, score float64, ranked bool) {
	line := fmt.Sprintf("%s  %s  %s  %s",
		dimStyle.Render(fmt.Sprintf("#%-7d", rec.ID)),
		rec.Timestamp.Local().Format("2006-01-02 15:04"),
		appStyle.Render(pad(rec.AppName, appColWidth)),
		pad(rec.WindowTitle, titleColWidth),
	)
	if ranked {
		line += "  " + scoreStyle.Render(fmt.Sprintf("%.3f", score))
	}
	fmt.Println(line)
	if rec.HasText() {
		fmt.Println("          " + dimStyle.Render(truncate(rec.TextValue(), textPreview)))
	}
}

func printRecord(rec *store.ActivityRecord) {
	if jsonOut {
		printJSON(rec)
		return
	}
	fmt.Printf("%s %d\n", appStyle.Render("Record"), rec.ID)
	fmt.Printf("  Time:        %s (%s)\n", rec.Timestamp.Local().Format(time.DateTime), age(rec.Timestamp))
	fmt.Printf("  App:         %s\n", rec.AppName)
	fmt.Printf("  Window:      %s\n", rec.WindowTitle)
	if rec.Fingerprint != nil {
		fmt.Printf("  Fingerprint: %s\n", *rec.Fingerprint)
	}
	if rec.HasText() {
		fmt.Println("  Text:")
		for _, l := range strings.Split(rec.TextValue(), "\n") {
			fmt.Println("    " + l)
		}
	} else {
		fmt.Println("  Text:        " + dimStyle.Render("(none)"))
	}
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func statusMark(ok bool) string {
	if ok {
		return okStyle.Render("✓")
	}
	return errStyle.Render("✗")
}
