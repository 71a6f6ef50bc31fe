package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/services/parcels"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// newCLIApp builds the command tree. Every command prints a JSON result to out
// and exits with status 1 when it did not succeed.
func newCLIApp(f appFactories, out io.Writer) *cli.App {
	app := &cli.App{
		Name:  "parcel-sync",
		Usage: "Keep local parcel tracking in sync with the carrier API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"configPath"}, Usage: "YAML config file"},
		},
		Commands: []*cli.Command{
			addCmd(f, out),
			listCmd(f, out),
			getCmd(f, out),
			syncCmd(f, out),
			deleteCmd(f, out),
			importCmd(f, out),
			exportCmd(f, out),
			serveCmd(f, out),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

type action func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result

// run loads config, wires the app for one command and prints the result.
func run(f appFactories, out io.Writer, fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig(c.String("config"))
		if err != nil {
			return printResult(out, parcels.Result{Error: err.Error(), Code: trackerr.KindInvalidInput})
		}
		a, err := newApp(c.Context, cfg, f)
		if err != nil {
			return printResult(out, parcels.Result{Error: err.Error(), Code: trackerr.KindOf(err)})
		}
		defer a.Close()
		return printResult(out, fn(c.Context, c, a.svc))
	}
}

func printResult(out io.Writer, res parcels.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if !res.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func invalid(format string, args ...any) parcels.Result {
	err := trackerr.InvalidInput(format, args...)
	return parcels.Result{Error: err.Error(), Code: err.Kind}
}

func addCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Start tracking a number",
		ArgsUsage: "<tracking-number>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "carrier", Aliases: []string{"C"}, Value: "auto", Usage: "Carrier code"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			if c.NArg() == 0 {
				return invalid("tracking number argument is required")
			}
			return svc.Add(ctx, c.Args().First(), c.String("carrier"))
		}),
	}
}

func listCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List tracked packages",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Comma-separated statuses"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			return svc.List(ctx, c.String("status"))
		}),
	}
}

func getCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a package with its event history",
		ArgsUsage: "<tracking-number>",
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			if c.NArg() == 0 {
				return invalid("tracking number argument is required")
			}
			return svc.Get(ctx, c.Args().First())
		}),
	}
}

func syncCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Poll the carrier for every active package, or one with --number",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "number", Aliases: []string{"n"}, Usage: "Sync only this tracking number"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			if tn := c.String("number"); tn != "" {
				return svc.SyncOne(ctx, tn)
			}
			return svc.SyncAll(ctx)
		}),
	}
}

func deleteCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Stop tracking a number and drop its history",
		ArgsUsage: "<tracking-number>",
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			if c.NArg() == 0 {
				return invalid("tracking number argument is required")
			}
			return svc.Delete(ctx, c.Args().First())
		}),
	}
}

func importCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import packages from a JSON or CSV file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "JSON array or CSV with number,carrier columns"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			records, err := readRecords(c.String("file"))
			if err != nil {
				return parcels.Result{Error: err.Error(), Code: trackerr.KindOf(err)}
			}
			return svc.ImportBatch(ctx, records)
		}),
	}
}

func exportCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export every package with its history",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write records to this file instead of stdout"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			res := svc.ExportAll(ctx)
			path := c.String("output")
			if !res.Success || path == "" {
				return res
			}
			b, err := json.MarshalIndent(res.Data, "", "  ")
			if err != nil {
				return parcels.Result{Error: err.Error(), Code: trackerr.KindInternal}
			}
			if err := os.WriteFile(path, b, 0o644); err != nil {
				return parcels.Result{Error: err.Error(), Code: trackerr.KindInternal}
			}
			count := 0
			if records, ok := res.Data.([]parcels.Record); ok {
				count = len(records)
			}
			return parcels.Result{Success: true, Data: map[string]any{"path": path, "count": count}}
		}),
	}
}

func serveCmd(f appFactories, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler and the webhook server",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port (default: configured http_addr)"},
		},
		Action: run(f, out, func(ctx context.Context, c *cli.Context, svc *parcels.Service) parcels.Result {
			return svc.StartWebhookServer(ctx, c.Int("port"))
		}),
	}
}

// readRecords accepts a JSON array of records, an export result envelope,
// or CSV with a header naming number (or tracking_number) and carrier.
func readRecords(path string) ([]parcels.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trackerr.InvalidInput("read %s: %v", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if strings.EqualFold(filepath.Ext(path), ".csv") || (len(trimmed) > 0 && trimmed[0] != '[' && trimmed[0] != '{') {
		return readCSV(trimmed)
	}

	var records []parcels.Record
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Data []parcels.Record `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, trackerr.InvalidInput("parse %s: %v", path, err)
		}
		return env.Data, nil
	}
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, trackerr.InvalidInput("parse %s: %v", path, err)
	}
	return records, nil
}

func readCSV(data []byte) ([]parcels.Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, trackerr.InvalidInput("parse csv: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	numberCol, carrierCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "number", "tracking_number":
			numberCol = i
		case "carrier":
			carrierCol = i
		}
	}
	if numberCol < 0 {
		return nil, trackerr.InvalidInput("csv header must name a number or tracking_number column")
	}

	out := make([]parcels.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := parcels.Record{}
		if numberCol < len(row) {
			rec.Number = strings.TrimSpace(row[numberCol])
		}
		if carrierCol >= 0 && carrierCol < len(row) {
			rec.Carrier = strings.TrimSpace(row[carrierCol])
		}
		out = append(out, rec)
	}
	return out, nil
}
