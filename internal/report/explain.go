// Package report renders balancing results for operators and machines. It
// never mutates the result it reads.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/limiquantix/rebalancer/internal/balancer"
	"github.com/limiquantix/rebalancer/internal/domain"
)

const (
	barWidth  = 30
	guestCol  = 24
	gigabyte  = float64(1 << 30)
	rule      = "  +-----------------------------------------------------------------+"
	separator = "  --------------------------------------------------------------------------"
)

// Explain writes the human readable decision report: node load before and
// after, the planned migrations and a verdict against balanciness.
func Explain(w io.Writer, res *balancer.Result) error {
	ew := &errWriter{w: w}
	state := res.State

	ew.printf("\n%s\n", rule)
	ew.printf("  |          Rebalancer Explain - Cluster Balancing Decision Report      |\n")
	ew.printf("%s\n\n", rule)
	ew.printf("  Balancing metric : %s (%s)\n", state.Method, state.Mode)
	ew.printf("  Balanciness      : %g%%  (max allowed spread between nodes)\n", state.Balanciness)
	order := "smaller guests first"
	if state.BalanceLargerGuestsFirst {
		order = "larger guests first"
	}
	ew.printf("  Guest sort order : %s\n", order)
	ew.printf("  Mode             : explain (no migrations will be executed)\n")

	nodeTable(ew, "CLUSTER STATE  (before)", res.Before, state)
	if spread, most, least, ok := spreadOf(res.Before, state); ok {
		verdict := "OK - no balancing needed"
		if spread > state.Balanciness {
			verdict = "BALANCING REQUIRED"
		}
		ew.printf("\n  Spread : %.1f%%  (most loaded: %s %.1f%%,  least loaded: %s %.1f%%)\n",
			spread, most, load(res.Before.Nodes[most], state), least, load(res.Before.Nodes[least], state))
		ew.printf("  Verdict: %s  (threshold: %g%%)\n", verdict, state.Balanciness)
	}

	migrations := res.Migrations()
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].MemoryUsed > migrations[j].MemoryUsed
	})

	ew.printf("\n\n  PLANNED MIGRATIONS\n%s\n", separator)
	if len(migrations) == 0 {
		ew.printf("  No migrations planned - cluster is already balanced.\n")
	} else {
		tw := tabwriter.NewWriter(ew, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "  #\tGuest\tType\tRAM Used\tMigration\n")
		fmt.Fprintf(tw, "  ---\t%s\t--------\t--------\t%s\n", strings.Repeat("-", guestCol), strings.Repeat("-", 30))
		for i, m := range migrations {
			name := m.Guest
			if len(name) > guestCol {
				name = name[:guestCol]
			}
			notes := ""
			if len(m.Notes) > 0 {
				notes = "  [" + strings.Join(m.Notes, ", ") + "]"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%.2f GB\t%s --> %s%s\n",
				i+1, name, m.Type.Label(), m.MemoryUsed/gigabyte, m.Source, m.Target, notes)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(res.EvacuationFailures) > 0 {
		ew.printf("\n  EVACUATION FAILURES\n")
		for _, f := range res.EvacuationFailures {
			ew.printf("  %s on %s: %s\n", f.Guest, f.Node, f.Reason)
		}
	}
	ew.printf("\n  Total: %d guest(s) planned for migration\n", len(migrations))

	nodeTable(ew, "CLUSTER STATE  (projected, after planned migrations)", res.After, state)
	if spread, _, _, ok := spreadOf(res.After, state); ok {
		verdict := "Within threshold - cluster will be balanced"
		if spread > state.Balanciness {
			verdict = fmt.Sprintf("Still %.1f%% spread - further runs may improve balance", spread)
		}
		ew.printf("\n  Projected spread : %.1f%%  (threshold: %g%%)\n", spread, state.Balanciness)
		ew.printf("  Post-migration   : %s\n", verdict)
	}
	ew.printf("\n")

	return ew.err
}

func nodeTable(ew *errWriter, title string, snap *domain.Snapshot, state domain.RunState) {
	header := "0%" + strings.Repeat(" ", barWidth-7) + "100%"
	ew.printf("\n  %s\n%s\n", title, separator)
	ew.printf("  %-18s %6s  %16s  Bar (%s)\n", "Node", "Load%", "Resource", header)
	ew.printf("  %s %s  %s  %s\n", strings.Repeat("-", 18), strings.Repeat("-", 6), strings.Repeat("-", 16), strings.Repeat("-", barWidth))
	for _, name := range snap.NodeNames() {
		n := snap.Nodes[name]
		pct := load(n, state)
		maint := ""
		if n.Maintenance {
			maint = "  [MAINTENANCE]"
		}
		ew.printf("  %-18s %5.1f%%  %16s  %s%s\n", name, pct, resourceLabel(n, state), bar(pct), maint)
	}
}

// spreadOf is computed over every node, maintenance included, as shown in
// the table.
func spreadOf(snap *domain.Snapshot, state domain.RunState) (spread float64, most, least string, ok bool) {
	var hi, lo float64
	for i, name := range snap.NodeNames() {
		pct := load(snap.Nodes[name], state)
		if i == 0 || pct > hi {
			hi, most = pct, name
		}
		if i == 0 || pct < lo {
			lo, least = pct, name
		}
		ok = true
	}
	return hi - lo, most, least, ok
}

func load(n *domain.Node, state domain.RunState) float64 {
	return n.Load(state.Method, state.Mode)
}

func bar(pct float64) string {
	filled := int(pct/100*barWidth + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	return strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
}

func resourceLabel(n *domain.Node, state domain.RunState) string {
	m := n.Metric(state.Method)
	if state.Mode == domain.ModePSI {
		return fmt.Sprintf("%.2f%% spk", m.PressureFullSpikesPercent)
	}
	used := m.Used
	if state.Mode == domain.ModeAssigned {
		used = m.Assigned
	}
	if state.Method == domain.ResourceCPU {
		return fmt.Sprintf("%.1f/%d cores", used, m.Total)
	}
	return fmt.Sprintf("%.1f/%.1f GB", used/gigabyte, float64(m.Total)/gigabyte)
}

// errWriter keeps the first write error so formatting code stays linear.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n, err := ew.w.Write(p)
	ew.err = err
	return n, err
}

func (ew *errWriter) printf(format string, args ...any) {
	fmt.Fprintf(ew, format, args...)
}
