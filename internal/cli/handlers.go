package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/BartekS5/possync/internal/connector"
	"github.com/BartekS5/possync/internal/etl"
	"github.com/BartekS5/possync/internal/server"
	"github.com/BartekS5/possync/pkg/database"
	"github.com/BartekS5/possync/pkg/models"
)

const stateCollection = "sync_state"

func (a *app) runProtocol(cmd *cobra.Command, op models.Operation, opts *ProtocolOptions) error {
	req, err := readRequest(cmd.InOrStdin(), opts.RequestFile)
	if err != nil {
		return err
	}
	req.Operation = op
	if len(opts.Entities) > 0 {
		req.Entities = opts.Entities
	}

	conn, err := a.connector()
	if err != nil {
		return err
	}
	resp := conn.Dispatch(cmd.Context(), req)

	out := cmd.OutOrStdout()
	if schema, ok := resp.(*models.SchemaResponse); ok && opts.Table && schema.Error == "" {
		printSchemaTable(out, schema)
	} else {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}

	if msg := responseError(resp); msg != "" {
		return fmt.Errorf("%s failed: %s", op, msg)
	}
	return nil
}

func readRequest(stdin io.Reader, path string) (models.SyncRequest, error) {
	var req models.SyncRequest
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse request JSON: %w", err)
	}
	return req, nil
}

func responseError(resp any) string {
	switch r := resp.(type) {
	case *models.ErrorResponse:
		return r.Error
	case *models.SyncResponse:
		return r.Error
	case *models.SchemaResponse:
		return r.Error
	case *models.TestResponse:
		if !r.Success {
			return r.Message
		}
	}
	return ""
}

func (a *app) serve(cmd *cobra.Command, addr string) error {
	conn, err := a.connector()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.New(addr, conn, a.metrics, a.log).ListenAndServe(ctx)
}

func (a *app) runPipeline(cmd *cobra.Command, opts *RunOptions) error {
	ctx := cmd.Context()
	conn, err := a.connector()
	if err != nil {
		return err
	}

	kind := opts.Sink
	if kind == "" {
		kind = a.cfg.Sink.Kind
	}
	stateFile := opts.StateFile
	if stateFile == "" {
		stateFile = a.cfg.Sink.StateFile
	}

	loader, store, err := a.openSink(ctx, kind, stateFile)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() {
			if err := loader.Close(context.Background()); err != nil {
				a.log.Warnf("closing %s sink: %v", kind, err)
			}
		}()
	}

	p := etl.NewPipeline(conn, loader, store, conn.Catalog().Table, a.log)
	p.Entities = opts.Entities
	p.DryRun = opts.DryRun || loader == nil
	p.MaxRounds = opts.MaxRounds

	fmt.Fprintf(cmd.OutOrStdout(), "Starting sync into %s sink...\n", kind)
	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sync finished: rounds=%d upserted=%d deleted=%d more_pending=%v\n",
		stats.Rounds, stats.Inserted, stats.Deleted, stats.HasMore)
	return nil
}

// openSink connects the loader and state store for a sink kind. The "none"
// sink has no loader and keeps state in the state file.
func (a *app) openSink(ctx context.Context, kind, stateFile string) (etl.Loader, etl.StateStore, error) {
	sink := a.cfg.Sink
	switch kind {
	case "none":
		return nil, etl.NewFileStateStore(stateFile), nil
	case "mongo":
		client, err := database.ConnectMongo(ctx, sink.MongoConnString)
		if err != nil {
			return nil, nil, err
		}
		a.log.Infof("Successfully connected to MongoDB.")
		return etl.NewMongoLoader(client, sink.MongoDatabase, a.log),
			etl.NewMongoStateStore(client, sink.MongoDatabase, stateCollection), nil
	case etl.SQLServer.Name, etl.Snowflake.Name:
		dialect, err := etl.DialectFor(kind)
		if err != nil {
			return nil, nil, err
		}
		db, err := database.ConnectSQL(ctx, kind, sink.SQLConnString)
		if err != nil {
			return nil, nil, err
		}
		a.log.Infof("Successfully connected to %s.", kind)
		return etl.NewSQLLoader(db, dialect, a.log), etl.NewFileStateStore(stateFile), nil
	}
	return nil, nil, errors.New("unknown sink kind " + strconv.Quote(kind))
}

func (a *app) printEntities(w io.Writer) error {
	cat, err := connector.BuildCatalog(a.cfg)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Entity", "Path", "Primary key", "Incremental", "Page size", "Aggregates"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, d := range cat.All() {
		incremental := d.IncrementalField
		if incremental == "" {
			incremental = "-"
		}
		var aggs []string
		for _, agg := range d.Aggregates {
			aggs = append(aggs, agg.Table)
		}
		table.Append([]string{
			d.Name,
			d.RemotePath,
			strings.Join(d.PrimaryKey, ", "),
			incremental,
			strconv.Itoa(d.PageSize),
			strings.Join(aggs, ", "),
		})
	}
	table.Render()
	return nil
}

func printSchemaTable(w io.Writer, resp *models.SchemaResponse) {
	names := make([]string, 0, len(resp.Schema))
	for name := range resp.Schema {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Table", "Column", "Type", "Key"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, name := range names {
		ts := resp.Schema[name]
		isKey := make(map[string]bool, len(ts.PrimaryKey))
		for _, k := range ts.PrimaryKey {
			isKey[k] = true
		}
		cols := make([]string, 0, len(ts.Columns))
		for c := range ts.Columns {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			key := ""
			if isKey[c] {
				key = "PK"
			}
			table.Append([]string{name, c, ts.Columns[c], key})
		}
	}
	table.Render()
}
