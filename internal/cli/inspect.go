package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudsync/internal/record"
	"github.com/roach88/cloudsync/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Type     string
	Where    string
}

// InspectResult is the JSON payload of the inspect command.
type InspectResult struct {
	Stats     []store.TypeStats `json:"stats"`
	Records   []RecordView      `json:"records"`
	Relations []RelationView    `json:"relations"`
}

// RecordView is one live local record.
type RecordView struct {
	Type   string        `json:"type"`
	Key    string        `json:"key"`
	Fields record.Fields `json:"fields,omitempty"`
	Seq    int64         `json:"seq"`
	Dirty  bool          `json:"dirty,omitempty"`
}

// RelationView is one attached relationship.
type RelationView struct {
	Owner    string `json:"owner"`
	Property string `json:"property"`
	Target   string `json:"target"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the contents of a local store",
		Long: `Show per-type counts (live, dirty, tombstones), live records and
attached relationships of a local SQLite store.

Records can be narrowed to one type and filtered with a predicate
such as 'status == "open"'.

Examples:
  cloudsync inspect --db ./local.db
  cloudsync inspect --db ./local.db --type Note --where 'pinned == true'
  CLOUDSYNC_DB=./local.db cloudsync inspect --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Database = opts.lookup(cmd, "db")
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only list records of this type")
	cmd.Flags().StringVar(&opts.Where, "where", "", "predicate records must match")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Database == "" {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "--db is required (or set CLOUDSYNC_DB)", nil)
	}
	// store.Open creates missing databases; inspecting one never should.
	if _, err := os.Stat(opts.Database); errors.Is(err, fs.ErrNotExist) {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database), nil)
	}

	pred := record.PredicateAll
	if opts.Where != "" {
		pred = record.Predicate(opts.Where).Normalize()
		if _, err := pred.Parse(); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeGeneric, "invalid --where predicate", err)
		}
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	result := InspectResult{Records: []RecordView{}, Relations: []RelationView{}}

	if result.Stats, err = st.Stats(ctx); err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "failed to read stats", err)
	}

	for _, ts := range result.Stats {
		if opts.Type != "" && string(ts.Type) != opts.Type {
			continue
		}
		rows, err := st.Select(ctx, ts.Type, pred)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("failed to read %s records", ts.Type), err)
		}
		for _, r := range rows {
			result.Records = append(result.Records, RecordView{
				Type:   string(r.Ref.Type),
				Key:    r.Ref.Key,
				Fields: r.Fields,
				Seq:    r.Seq,
				Dirty:  r.Dirty,
			})
		}
	}

	rels, err := st.AllRelations(ctx)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "failed to read relations", err)
	}
	for _, rel := range rels {
		if opts.Type != "" && string(rel.Owner.Type) != opts.Type {
			continue
		}
		result.Relations = append(result.Relations, RelationView{
			Owner:    rel.Owner.String(),
			Property: rel.Property,
			Target:   rel.Target.String(),
		})
	}

	formatter.VerboseLog("Read %d record(s) and %d relation(s) from %s",
		len(result.Records), len(result.Relations), opts.Database)

	if formatter.IsJSON() {
		return formatter.Success(result)
	}
	return printInspect(formatter.Writer, result)
}

func printInspect(w io.Writer, result InspectResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "TYPE\tLIVE\tDIRTY\tTOMBSTONES")
	for _, ts := range result.Stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", ts.Type, ts.Live, ts.Dirty, ts.Tombstones)
	}
	fmt.Fprintln(tw)

	if len(result.Records) > 0 {
		fmt.Fprintln(tw, "RECORD\tSEQ\tDIRTY\tFIELDS")
		for _, r := range result.Records {
			fields, err := record.MarshalCanonical(r.Fields)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s/%s\t%d\t%t\t%s\n", r.Type, r.Key, r.Seq, r.Dirty, fields)
		}
		fmt.Fprintln(tw)
	}

	if len(result.Relations) > 0 {
		fmt.Fprintln(tw, "OWNER\tPROPERTY\tTARGET")
		for _, rel := range result.Relations {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rel.Owner, rel.Property, rel.Target)
		}
	}
	return tw.Flush()
}
