package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nlrstudio/internal/app"
	"nlrstudio/internal/config"
	"nlrstudio/internal/db"
	"nlrstudio/internal/engine"
	"nlrstudio/internal/migrate"
	"nlrstudio/internal/preview"
	"nlrstudio/internal/rules"
	"nlrstudio/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "nlr",
	Short: "NLR rule authoring CLI",
	Long: `nlr authors natural-language validation rules against a sample dataset.
- Session: one authoring context (customer, instance, component, dataset, rules).
- Ingest: upload a CSV or Excel file; its headers become the attribute catalog.
- Rules: free-text rules; {Attribute} tokens reference dataset columns.
- Preview: compile the rules and send them with the dataset to the validation service.
- Save/fetch: store the generated code, or load previously saved rules.
- Mapping: per-component attribute mapping persisted on the backend.
- Event log: every change is recorded, view with 'nlr log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("NLR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.StringP("session", "s", "", "session id (defaults to the most recent session)")
	flags.String("validation-url", "", "validation service base URL (overrides config)")
	flags.String("backend-url", "", "rules backend base URL (overrides config)")
	flags.String("mapping-url", "", "mapping service base URL (overrides config)")
	flags.Bool("verbose", false, "log warnings to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "session", "validation-url", "backend-url", "mapping-url", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(mappingCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage authoring sessions"}
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionDeleteCmd())
	cmd.AddCommand(sessionPrimaryCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Customer", "Instance", "Component", "Primary", "Dataset", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.CustomerName, s.InstanceName, s.ComponentName, s.PrimaryAttribute, s.DatasetName, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "number of sessions")
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var opts engine.SessionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				if !cmd.Flags().Changed("rule") {
					opts.InitialRules = nil
				}
				s, err := e.CreateSession(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Created session %s (%s/%s/%s)\n", s.ID, s.CustomerName, s.InstanceName, s.ComponentName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.CustomerName, "customer", "", "customer name")
	cmd.Flags().StringVar(&opts.InstanceName, "instance", "", "instance name")
	cmd.Flags().StringVar(&opts.ComponentName, "component", "", "component name (selects the workbook sheet)")
	cmd.Flags().StringVar(&opts.AttributeHint, "attribute", "", "attribute hint for primary selection and rule fetch")
	cmd.Flags().StringArrayVar(&opts.InitialRules, "rule", nil, "initial rule (repeatable)")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				s, err := e.GetSession(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSession(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func sessionPrimaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "primary [attribute]",
		Short: "Select the primary attribute; omit to use generic rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr := ""
			if len(args) == 1 {
				attr = args[0]
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				s, err := e.SelectPrimary(ctx, id, attr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				if s.PrimaryAttribute == "" {
					fmt.Println("Rules apply generically")
				} else {
					fmt.Printf("Primary attribute: %s\n", s.PrimaryAttribute)
				}
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a CSV or Excel file into the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				res, err := e.Upload(ctx, id, filepath.Base(args[0]), data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				ds := res.Dataset
				fmt.Printf("Ingested %s: %d rows, %d columns", ds.FileName, len(ds.Rows), len(ds.Headers))
				if res.Sheet != "" {
					fmt.Printf(" (sheet %s)", res.Sheet)
				}
				fmt.Println()
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				tw := newTable()
				header := table.Row{}
				for _, h := range ds.Headers {
					header = append(header, h)
				}
				tw.AppendHeader(header)
				for i, r := range ds.Rows {
					if i >= rows {
						break
					}
					row := table.Row{}
					for _, h := range ds.Headers {
						row = append(row, r[h])
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 5, "number of sample rows to print")
	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Edit the rule list"}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleAddCmd())
	cmd.AddCommand(ruleSetCmd())
	cmd.AddCommand(ruleRemoveCmd())
	cmd.AddCommand(ruleReplaceCmd())
	cmd.AddCommand(ruleInsertCmd())
	cmd.AddCommand(ruleCheckCmd())
	return cmd
}

func printRules(ctx context.Context, e engine.Engine, id string) error {
	items, err := e.ListRules(ctx, id)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Rule"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.Index, it.Text})
	}
	tw.Render()
	return nil
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), printRules)
		},
	}
}

func ruleAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add [text]",
		Short: "Append a rule",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				actor := viper.GetString("actor-id")
				idx, err := e.AddRule(ctx, id, actor)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					if err := e.UpdateRule(ctx, id, idx, args[0], actor); err != nil {
						return err
					}
				}
				return printRules(ctx, e, id)
			})
		},
	}
}

func ruleSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <index> <text>",
		Short: "Replace the text of a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if err := e.UpdateRule(ctx, id, idx, args[1], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printRules(ctx, e, id)
			})
		},
	}
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <index>",
		Short: "Remove a rule (the last rule cannot be removed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if err := e.RemoveRule(ctx, id, idx, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printRules(ctx, e, id)
			})
		},
	}
}

func ruleReplaceCmd() *cobra.Command {
	var list []string
	var file string
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace the whole rule list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				list = append(list, strings.Split(strings.TrimRight(string(data), "\n"), "\n")...)
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if _, err := e.ReplaceRules(ctx, id, list, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printRules(ctx, e, id)
			})
		},
	}
	cmd.Flags().StringArrayVar(&list, "rule", nil, "rule text (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "read rules from a file, one per line")
	return cmd
}

func ruleInsertCmd() *cobra.Command {
	var index, start, end int
	cmd := &cobra.Command{
		Use:   "insert <attribute>",
		Short: "Insert an {attribute} token into a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if !cmd.Flags().Changed("end") {
					end = start
				}
				ins, err := e.InsertAttribute(ctx, id, index, start, end, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ins)
				}
				fmt.Printf("Rule %d: %s (cursor %d)\n", ins.Index, ins.Text, ins.Cursor)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "rule index")
	cmd.Flags().IntVar(&start, "start", 0, "selection start (characters)")
	cmd.Flags().IntVar(&end, "end", 0, "selection end (characters, defaults to start)")
	return cmd
}

func ruleCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report {attribute} tokens that name no dataset header",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				refs, err := e.CheckReferences(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(refs)
				}
				if len(refs) == 0 {
					fmt.Println("All attribute references resolve")
					return nil
				}
				printReferences(refs)
				return nil
			})
		},
	}
}

func printReferences(refs []rules.UnknownReference) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Rule", "Unknown", "Did you mean"})
	for _, r := range refs {
		tw.AppendRow(table.Row{r.Rule, r.Name, r.Suggestion})
	}
	tw.Render()
}

func compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Print the validation request the next preview sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				req, err := e.Compile(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
}

func previewCmd() *cobra.Command {
	var retry bool
	var limit int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Validate the dataset against the rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				actor := viper.GetString("actor-id")
				st, err := e.Preview(ctx, id, actor)
				var failure *preview.Failure
				if retry && errors.As(err, &failure) {
					fmt.Printf("preview failed: %s; retrying\n", failure.Message)
					st, err = e.Retry(ctx, id, actor)
				}
				if err != nil {
					if errors.As(err, &failure) {
						return fmt.Errorf("%s (%s)", failure.Message, failure.Kind)
					}
					return err
				}
				if refs, err := e.CheckReferences(ctx, id); err == nil && len(refs) > 0 && !viper.GetBool("json") {
					fmt.Println("warning: some attribute references name no header")
					printReferences(refs)
				}
				return printPreview(st, limit)
			})
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "retry once when the validation service fails")
	cmd.Flags().IntVar(&limit, "invalid", 20, "number of invalid rows to print")
	cmd.AddCommand(previewRunsCmd())
	return cmd
}

func printPreview(st preview.State, limit int) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	if st.Result == nil {
		fmt.Printf("Preview %s\n", st.Phase)
		return nil
	}
	sum := st.Result.Summary()
	fmt.Printf("Passed rows: %d\nInvalid rows: %d\n", sum.Passed, sum.Invalid)
	if sum.Invalid == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Row", "Reason", "Data"})
	for i, r := range st.Result.InvalidRows {
		if i >= limit {
			break
		}
		data, _ := json.Marshal(r.RowData)
		tw.AppendRow(table.Row{r.RowNumber, r.FailureReason, string(data)})
	}
	tw.Render()
	return nil
}

func previewRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded preview runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				runs, err := e.PreviewRuns(ctx, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Passed", "Invalid", "Error", "At"})
				for _, r := range runs {
					msg := r.Message
					if r.ErrorKind != "" {
						msg = r.ErrorKind + ": " + msg
					}
					tw.AppendRow(table.Row{r.ID, r.Status, r.Passed, r.Invalid, msg, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of runs")
	return cmd
}

func downloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Write the passed rows of the last successful preview as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				data, err := e.PassedRowsCSV(ctx, id)
				if err != nil {
					return err
				}
				if out == "-" {
					_, err := os.Stdout.Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "passed_rows.csv", "output file, - for stdout")
	return cmd
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Save the generated code and rules of the last successful preview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				name, err := e.SaveRules(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"file_name": name})
				}
				fmt.Printf("Rules saved successfully as %s\n", name)
				return nil
			})
		},
	}
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Load the rules saved for the session attribute",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				res, err := e.FetchRules(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.Fallback && res.Error != "":
					fmt.Printf("warning: could not fetch saved rules, using initial rules: %s\n", res.Error)
				case res.Fallback:
					fmt.Println("No saved rules, using initial rules")
				}
				return printRules(ctx, e, id)
			})
		},
	}
}

func mappingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mapping", Short: "Edit the attribute mapping of the session component"}
	cmd.AddCommand(mappingShowCmd())
	cmd.AddCommand(mappingSetCmd())
	cmd.AddCommand(mappingRemoveCmd())
	cmd.AddCommand(mappingCandidatesCmd())
	cmd.AddCommand(mappingChipsCmd())
	return cmd
}

func printMapping(ctx context.Context, e engine.Engine, id string) error {
	entries, err := e.MappingEntries(ctx, id)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Attribute", "Value"})
	for _, en := range entries {
		tw.AppendRow(table.Row{en.Attribute, en.Value})
	}
	tw.Render()
	return nil
}

func mappingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), printMapping)
		},
	}
}

func mappingSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <attribute> <value>",
		Short: "Add or change a mapping entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if _, err := e.SetMapping(ctx, id, args[0], args[1], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printMapping(ctx, e, id)
			})
		},
	}
}

func mappingRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <attribute>",
		Short: "Remove a mapping entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				if _, err := e.DeleteMapping(ctx, id, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				return printMapping(ctx, e, id)
			})
		},
	}
}

func mappingCandidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List attributes not mapped yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				items, err := e.MappingCandidates(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, a := range items {
					fmt.Println(a)
				}
				return nil
			})
		},
	}
}

func mappingChipsCmd() *cobra.Command {
	var more int
	cmd := &cobra.Command{
		Use:   "chips",
		Short: "List attribute chips usable as {tokens} in mapping values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, id string) error {
				page, err := e.Chips(ctx, id, "")
				if err != nil {
					return err
				}
				for i := 0; i < more && page.HasMore; i++ {
					if page, err = e.Chips(ctx, id, "more"); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				fmt.Println(strings.Join(page.Attributes, "  "))
				if page.HasMore {
					fmt.Printf("+%d more\n", page.Remaining)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&more, "more", 0, "number of extra pages to show")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var all bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessionID := ""
				if !all {
					id, err := app.ResolveSession(ctx, e, viper.GetString("session"), viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					sessionID = id
				}
				events, err := e.Repo.LatestEvents(ctx, n, sessionID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVar(&all, "all", false, "events of every session")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defer e.CloseAll()
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				if server.StartWebhooks(ctx, e) {
					fmt.Printf("Delivering events to %d webhook(s)\n", len(e.Config.Webhooks))
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving NLR Studio API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in nlrstudio.yml in the workspace: service URLs, session defaults, ingest placeholders, mapping catalog and webhooks. NLR_* environment variables and flags override the service URLs.",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configSchemaCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default nlrstudio.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List applied database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := migrate.History(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(history)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
				for _, m := range history {
					tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- helpers ---

// loadConfig reads nlrstudio.yml when present and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if v := viper.GetString("validation-url"); v != "" {
		cfg.Services.ValidationURL = v
	}
	if v := viper.GetString("backend-url"); v != "" {
		cfg.Services.BackendURL = v
	}
	if v := viper.GetString("mapping-url"); v != "" {
		cfg.Services.MappingURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if viper.GetBool("verbose") {
		e.Logger = log.New(os.Stderr, "", log.LstdFlags)
	} else {
		e.Logger = log.New(io.Discard, "", 0)
	}
	return fn(ctx, e)
}

func withSession(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		id, err := app.ResolveSession(ctx, e, viper.GetString("session"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, id)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func parseIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid rule index %q", s)
	}
	return idx, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
