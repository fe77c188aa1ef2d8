package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cemwatch/cemwatch/pkg/client"
	"github.com/cemwatch/cemwatch/pkg/mcp"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func usage() {
	fmt.Println("Usage: cemwatch <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status              show daemon connection state")
	fmt.Println("  readings            list the latest reading of every counter")
	fmt.Println("  reading <var_id>    show one counter")
	fmt.Println("  meters              list discovered meters and counters")
	fmt.Println("  mcp                 serve the Model Context Protocol on stdio")
	fmt.Println()
	fmt.Println("The daemon address defaults to http://127.0.0.1:8093; override")
	fmt.Println("with CEMWATCH_API_URL.")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	apiURL := os.Getenv("CEMWATCH_API_URL")

	if os.Args[1] == "mcp" {
		srv := mcp.NewServer(apiURL)
		if err := srv.Serve(); err != nil {
			fmt.Fprintf(os.Stderr, "MCP server failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	c := client.NewClient(apiURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "status":
		runStatus(ctx, c)
	case "readings":
		runReadings(ctx, c)
	case "reading":
		if len(os.Args) < 3 {
			usage()
		}
		varID, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid var_id: %s\n", os.Args[2])
			os.Exit(1)
		}
		runReading(ctx, c, varID)
	case "meters":
		runMeters(ctx, c)
	case "version":
		fmt.Printf("cemwatch %s (%s, built %s)\n", Version, Commit, BuildTime)
	default:
		usage()
	}
}

func runStatus(ctx context.Context, c *client.Client) {
	status, err := c.Status(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Connected:   %v\n", status.Connected)
	if status.TokenValidTo != nil {
		fmt.Printf("Token valid: until %s\n", status.TokenValidTo.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Counters:    %d tracked, %d with values\n", status.Counters, status.CountersWithValue)
	fmt.Printf("Uptime:      %s\n", time.Duration(status.UptimeSeconds)*time.Second)
}

func runReadings(ctx context.Context, c *client.Client) {
	readings, err := c.GetReadings(ctx)
	if err != nil {
		fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VAR_ID\tCOUNTER\tVALUE\tUNIT\tMETER\tOBJECT\tOBSERVED")
	for _, r := range readings {
		value := "-"
		observed := "-"
		if r.HasValue {
			value = strconv.FormatFloat(*r.Value, 'f', -1, 64)
			observed = r.ObservedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.VarID, r.CounterName, value, r.Unit, r.MeterName, r.ObjectName, observed)
	}
	w.Flush()
}

func runReading(ctx context.Context, c *client.Client, varID int) {
	r, err := c.GetReading(ctx, varID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Counter:  %d (%s)\n", r.VarID, r.CounterName)
	fmt.Printf("Meter:    %s\n", r.MeterName)
	fmt.Printf("Object:   %s\n", r.ObjectName)
	if !r.HasValue {
		fmt.Println("Value:    (no reading yet)")
		return
	}
	fmt.Printf("Value:    %g %s\n", *r.Value, r.Unit)
	fmt.Printf("Observed: %s\n", r.ObservedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Fetched:  %s\n", r.FetchedAt.Local().Format("2006-01-02 15:04:05"))
}

func runMeters(ctx context.Context, c *client.Client) {
	meters, err := c.GetMeters(ctx)
	if err != nil {
		fatal(err)
	}
	for _, m := range meters {
		fmt.Printf("Meter %d: %s", m.MeterID, m.Name)
		if m.Serial != "" {
			fmt.Printf(" (serial %s)", m.Serial)
		}
		if m.ObjectName != "" {
			fmt.Printf(" @ %s", m.ObjectName)
		}
		fmt.Println()
		for _, counter := range m.Counters {
			marker := " "
			if counter.Tracked {
				marker = "*"
			}
			fmt.Printf("  %s var_id=%d %s [%s]\n", marker, counter.VarID, counter.Name, counter.Unit)
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error contacting daemon: %v\n", err)
	fmt.Fprintln(os.Stderr, "Is cemwatch-d running?")
	os.Exit(1)
}
