// Package render prints the weekly schedules as seven-column tables, one
// column per day from Monday to Sunday, for pinning up in the grow room.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/planner"
	"github.com/sproutplan/sproutplan/internal/store"
)

const dayLayout = "Mon 02.01."

// Printer renders schedules to a writer.
type Printer struct {
	w      io.Writer
	styles styles
}

// New returns a Printer writing to w.
func New(w io.Writer) *Printer {
	return &Printer{w: w, styles: newStyles(lipgloss.NewRenderer(w))}
}

// Delivery prints the orders due on each day of the week.
func (p *Printer) Delivery(week planner.Week[*store.Order]) error {
	cells := dayCells(week, func(o *store.Order) string {
		var b strings.Builder
		b.WriteString(p.styles.customer.Render(o.CustomerName))
		if o.HalfChannel {
			b.WriteString(" " + p.styles.muted.Render("(half channel)"))
		}
		for _, l := range o.Lines {
			fmt.Fprintf(&b, "\n%s x %s", l.Quantity.String(), l.ItemName)
		}
		return b.String()
	})
	return p.print("Deliveries", week.Start, cells)
}

// Production prints the lines whose production starts on each day, followed
// by the per-item totals with seed weight and substrate.
func (p *Printer) Production(entries planner.Week[planner.ProductionEntry], totals planner.Week[planner.ProductionTotal]) error {
	cells := dayCells(entries, func(e planner.ProductionEntry) string {
		return fmt.Sprintf("%s\n%s x %s\n%s",
			p.styles.customer.Render(e.Order.CustomerName),
			e.Line.Quantity.String(), e.Line.ItemName,
			p.styles.muted.Render("into "+e.Stage.FirstStage))
	})
	if err := p.print("Production", entries.Start, cells); err != nil {
		return err
	}
	sums := dayCells(totals, func(t planner.ProductionTotal) string {
		s := fmt.Sprintf("%s x %s\n%s g seed", t.Quantity.String(), t.ItemName, t.SeedGrams.String())
		if t.HalfChannel.IsPositive() {
			s += "\n" + t.HalfChannel.String() + " half channel"
		}
		if t.Substrate != "" {
			s += "\n" + p.styles.muted.Render(t.Substrate)
		}
		return s
	})
	return p.print("Production totals", totals.Start, sums)
}

// Transfer prints the stage changes due on each day, followed by per-item
// totals.
func (p *Printer) Transfer(entries planner.Week[planner.TransferEntry], totals planner.Week[planner.TransferTotal]) error {
	cells := dayCells(entries, func(e planner.TransferEntry) string {
		return fmt.Sprintf("%s\n%s x %s\n%s",
			p.styles.customer.Render(e.Order.CustomerName),
			e.Line.Quantity.String(), e.Line.ItemName,
			p.styles.muted.Render(e.Stage+" > "+e.NextStage))
	})
	if err := p.print("Transfers", entries.Start, cells); err != nil {
		return err
	}
	sums := dayCells(totals, func(t planner.TransferTotal) string {
		return fmt.Sprintf("%s x %s\n%s",
			t.Quantity.String(), t.ItemName,
			p.styles.muted.Render(t.Stage+" > "+t.NextStage))
	})
	return p.print("Transfer totals", totals.Start, sums)
}

// dayCells renders the entries of each day into one cell, in view order.
func dayCells[T any](week planner.Week[T], format func(T) string) []string {
	cells := make([]string, 0, planner.WeekDays)
	for _, d := range week.Dates() {
		entries := week.On(d)
		parts := make([]string, 0, len(entries))
		for _, e := range entries {
			parts = append(parts, format(e))
		}
		cells = append(cells, strings.Join(parts, "\n\n"))
	}
	return cells
}

func (p *Printer) print(title string, start calendar.Date, cells []string) error {
	end := start.AddDays(planner.WeekDays - 1)
	heading := fmt.Sprintf("%s %s to %s", title, start.Format("02.01.2006"), end.Format("02.01.2006"))

	headers := make([]string, 0, planner.WeekDays)
	weekend := make(map[int]bool)
	for i := 0; i < planner.WeekDays; i++ {
		d := start.AddDays(i)
		headers = append(headers, d.Format(dayLayout))
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend[i] = true
		}
	}

	empty := true
	for _, c := range cells {
		if c != "" {
			empty = false
			break
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.border).
		BorderRow(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				if weekend[col] {
					return p.styles.weekend
				}
				return p.styles.header
			}
			return p.styles.cell
		})
	if !empty {
		t = t.Row(cells...)
	}

	out := p.styles.title.Render(heading) + "\n" + t.Render() + "\n"
	if empty {
		out += p.styles.muted.Render("nothing scheduled") + "\n"
	}
	_, err := io.WriteString(p.w, out)
	return err
}
