package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table(w io.Writer, header string, rows func(tw io.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func ts(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printGrant(w io.Writer, format string, g *models.Grant) error {
	if format == "json" {
		return printJSON(w, g)
	}
	fmt.Fprintf(w, "Reserved %d machine(s) until %s\n", len(g.Machines), ts(&g.Deadline))
	return table(w, "LEASE\tMACHINE\tHOST\tPORT", func(tw io.Writer) {
		for i, m := range g.Machines {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", g.LeaseIDs[i], m.Name, m.Host, m.Port)
		}
	})
}

func printLeases(w io.Writer, format string, leases []models.Lease) error {
	if format == "json" {
		return printJSON(w, leases)
	}
	return table(w, "LEASE\tMACHINE\tHOST\tPORT\tPRINCIPAL\tUNTIL", func(tw io.Writer) {
		for _, l := range leases {
			until := l.ReservedUntil
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", l.ID, l.MachineName, l.Host, l.Port, l.Principal, ts(&until))
		}
	})
}

func printEndpoints(w io.Writer, format string, eps []models.Endpoint) error {
	if format == "json" {
		return printJSON(w, eps)
	}
	fmt.Fprintf(w, "%d machine(s) available\n", len(eps))
	return table(w, "MACHINE\tHOST\tPORT", func(tw io.Writer) {
		for _, e := range eps {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Name, e.Host, e.Port)
		}
	})
}

func printMachines(w io.Writer, format string, ms []models.Machine) error {
	if format == "json" {
		return printJSON(w, ms)
	}
	return table(w, "MACHINE\tHOST\tPORT\tENABLED\tONLINE\tRESERVED BY\tUNTIL\tLAST SEEN", func(tw io.Writer) {
		for _, m := range ms {
			by := "-"
			if m.ReservedBy != nil {
				by = *m.ReservedBy
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%s\t%s\t%s\n",
				m.Name, m.Host, m.Port, m.Enabled, m.Online, by, ts(m.ReservedUntil), ts(m.LastSeenAt))
		}
	})
}

func printStale(w io.Writer, format string, entries []journal.Entry) error {
	if format == "json" {
		return printJSON(w, entries)
	}
	return table(w, "PRINCIPAL\tMACHINE\tHOST\tREASON\tATTEMPTS\tLAST FAILURE\tERROR", func(tw io.Writer) {
		for _, e := range entries {
			last := e.LastFailedAt
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				e.Principal, e.Machine, e.Host, e.Reason, e.Attempts, ts(&last), e.LastError)
		}
	})
}
