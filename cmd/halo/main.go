package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"halo/internal/api"
	"halo/internal/config"
	"halo/internal/db"
	"halo/internal/domain"
	"halo/internal/draft"
	"halo/internal/logging"
	"halo/internal/migrate"
	"halo/internal/mockapi"
	"halo/internal/session"
	"halo/internal/store"
	"halo/internal/thread"
)

var rootCmd = &cobra.Command{
	Use:   "halo",
	Short: "Halo assistant CLI",
	Long: `Halo turns a natural-language command into a draft action card you can
modify, confirm, and revisit later.
- Command: free text like "reorder the usual" or "cancel Netflix".
- Card: the backend's answer - a draft to confirm, a question to answer,
  or a terminal DONE/FAILED result.
- Thread: a compact halo://card URL that holds just enough identity to
  rehydrate a card after the process is gone (halo thread open).
- Workspace: the .halo directory with config, the artifact database, and
  the debug log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg := loadedConfig(workspace)
		logPath := cfg.Log.Path
		if logPath != "" && !filepath.IsAbs(logPath) {
			logPath = filepath.Join(workspace, logPath)
		}
		logCfg := logging.DefaultConfig(logPath)
		if cfg.Log.MaxSizeMB > 0 {
			logCfg.MaxSizeMB = cfg.Log.MaxSizeMB
		}
		if cfg.Log.MaxBackups > 0 {
			logCfg.MaxBackups = cfg.Log.MaxBackups
		}
		if cfg.Log.MaxAgeDays > 0 {
			logCfg.MaxAgeDays = cfg.Log.MaxAgeDays
		}
		logCfg.Debug = viper.GetBool("debug")
		logging.Setup(logCfg)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HALO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose logging")
	rootCmd.PersistentFlags().String("base-url", "", "backend base URL (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(executionsCmd())
	rootCmd.AddCommand(receiptsCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadedConfig returns the workspace config, falling back to defaults
// when no halo.yml exists yet.
func loadedConfig(workspace string) *config.Config {
	cfg, err := config.LoadOptional(workspace)
	if err != nil || cfg == nil {
		return config.Default()
	}
	return cfg
}

func newClient(cfg *config.Config) *api.Client {
	baseURL := cfg.Backend.BaseURL
	if override := viper.GetString("base-url"); override != "" {
		baseURL = override
	}
	client := api.New(baseURL)
	if cfg.Backend.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	}
	return client
}

func newSession(cfg *config.Config) *session.Session {
	return session.New(newClient(cfg), cfg.Identity.HouseholdID, cfg.Identity.UserID, cfg.Channel)
}

func withStore(ctx context.Context, fn func(context.Context, store.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.Repo{DB: conn})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage halo.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default halo.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(loadedConfig(viper.GetString("workspace")))
		},
	})
	return cfg
}

func commandCmd() *cobra.Command {
	var answers []string
	var send bool
	cmd := &cobra.Command{
		Use:   "command <text>",
		Short: "Submit a natural-language command",
		Long:  "Sends the command to the backend and renders the resulting card. Repeat --answer to respond to a CLARIFY card's questions.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			s := newSession(cfg)
			defer s.Close()

			parsed, err := parseAnswers(answers)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			card, err := s.SubmitCommand(cmd.Context(), text, parsed)
			if err != nil {
				return err
			}
			if err := recordCard(cmd.Context(), card, "command_submitted", store.EventPayload{"text": text}); err != nil && !errors.Is(err, store.ErrNoIdentity) {
				return err
			}
			if send {
				if err := sendToThread(cmd.Context(), card); err != nil {
					return err
				}
			}
			return printCard(card)
		},
	}
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "clarification answer as question-id=choice")
	cmd.Flags().BoolVar(&send, "send", false, "persist the card as a thread artifact")
	return cmd
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Inspect and act on drafts"}
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftModifyCmd())
	d.AddCommand(draftConfirmCmd())
	return d
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Fetch a draft card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			card, err := newClient(cfg).GetDraft(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCard(card)
		},
	}
}

func draftModifyCmd() *cobra.Command {
	var items []string
	var subscription string
	var window int64
	cmd := &cobra.Command{
		Use:   "modify <draft-id>",
		Short: "Modify a draft",
		Long:  "Fetches the draft, infers its kind from the body, and submits the matching modification: --item for reorders, --subscription for cancellations, --window for bookings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			s := newSession(cfg)
			defer s.Close()

			if _, err := s.Rehydrate(cmd.Context(), thread.Payload{DraftID: args[0]}); err != nil {
				return err
			}
			edits := s.Edits()
			if len(items) > 0 {
				parsed, err := parseItems(items)
				if err != nil {
					return err
				}
				edits.Items = parsed
			}
			if subscription != "" {
				edits.SubscriptionName = subscription
			}
			if cmd.Flags().Changed("window") {
				edits.BookingIndex = window
			}

			card, err := s.ModifyDraft(cmd.Context(), edits)
			if err != nil {
				return err
			}
			if err := recordCard(cmd.Context(), card, "draft_modified", store.EventPayload{"draft_id": args[0]}); err != nil && !errors.Is(err, store.ErrNoIdentity) {
				return err
			}
			return printCard(card)
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "reorder item as name=quantity")
	cmd.Flags().StringVar(&subscription, "subscription", "", "subscription name to cancel")
	cmd.Flags().Int64Var(&window, "window", 0, "selected time window index")
	return cmd
}

func draftConfirmCmd() *cobra.Command {
	var send bool
	cmd := &cobra.Command{
		Use:   "confirm <draft-id>",
		Short: "Confirm a draft for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			s := newSession(cfg)
			defer s.Close()

			if _, err := s.Rehydrate(cmd.Context(), thread.Payload{DraftID: args[0]}); err != nil {
				return err
			}
			card, err := s.ConfirmDraft(cmd.Context())
			if err != nil {
				return err
			}
			if err := recordCard(cmd.Context(), card, "draft_confirmed", store.EventPayload{"draft_id": args[0]}); err != nil && !errors.Is(err, store.ErrNoIdentity) {
				return err
			}
			if send {
				if err := sendToThread(cmd.Context(), card); err != nil {
					return err
				}
			}
			return printCard(card)
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "persist the card as a thread artifact")
	return cmd
}

func executionsCmd() *cobra.Command {
	exec := &cobra.Command{Use: "executions", Short: "Browse past executions"}
	exec.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List executions for the household",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			items, err := newClient(cfg).ListExecutions(cmd.Context(), cfg.Identity.HouseholdID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Execution", "Verb", "Status", "Vendor", "Started", "Cost"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.ExecutionID, it.Verb, it.Status, it.Vendor, it.StartedAt, formatCents(it.FinalCostCents)})
			}
			tw.Render()
			return nil
		},
	})
	exec.AddCommand(&cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			detail, err := newClient(cfg).GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(detail)
			}
			fmt.Printf("Execution %s (%s)\n", detail.ExecutionID, detail.Status)
			fmt.Printf("Verb: %s\n", detail.Verb)
			fmt.Printf("Command: %s\n", detail.RawCommandText)
			if detail.ErrorMessage != nil {
				color.Red("Error: %s", *detail.ErrorMessage)
			}
			for _, r := range detail.Receipts {
				fmt.Printf("Receipt [%s]: %s\n", r.Type, r.ContentText)
			}
			return nil
		},
	})
	return exec
}

func receiptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipts <execution-id>",
		Short: "List receipts of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig(viper.GetString("workspace"))
			receipts, err := newClient(cfg).GetReceipts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(receipts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Type", "Content", "Created"})
			for _, r := range receipts {
				tw.AppendRow(table.Row{r.ID, r.Type, r.ContentText, r.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func threadCmd() *cobra.Command {
	t := &cobra.Command{Use: "thread", Short: "Encode, decode, and reopen thread references"}
	t.AddCommand(threadEncodeCmd())
	t.AddCommand(threadDecodeCmd())
	t.AddCommand(threadSendCmd())
	t.AddCommand(threadListCmd())
	t.AddCommand(threadOpenCmd())
	return t
}

func threadEncodeCmd() *cobra.Command {
	var p thread.Payload
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a halo://card URL from identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !p.Valid() {
				return fmt.Errorf("at least one of --draft-id or --execution-id is required")
			}
			fmt.Println(p.URL())
			return nil
		},
	}
	cmd.Flags().StringVar(&p.DraftID, "draft-id", "", "draft id")
	cmd.Flags().StringVar(&p.ExecutionID, "execution-id", "", "execution id")
	cmd.Flags().StringVar(&p.HouseholdID, "household-id", "", "household id")
	cmd.Flags().StringVar(&p.UserID, "user-id", "", "user id")
	cmd.Flags().StringVar(&p.CardType, "card-type", "", "card type")
	return cmd
}

func threadDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <url>",
		Short: "Decode a halo://card URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := thread.ParseURL(args[0])
			if p == nil {
				return fmt.Errorf("not a valid thread reference: %s", args[0])
			}
			return printJSON(map[string]string{
				"draft_id":     p.DraftID,
				"execution_id": p.ExecutionID,
				"household_id": p.HouseholdID,
				"user_id":      p.UserID,
				"card_type":    p.CardType,
				"stable_key":   p.StableKey(),
			})
		},
	}
}

func threadSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <draft-id|url>",
		Short: "Persist a card as a thread artifact",
		Long:  "Fetches the authoritative record for a draft id or halo://card URL and writes the artifact used later by thread list/open.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := &thread.Payload{DraftID: args[0]}
			if strings.Contains(args[0], "://") {
				payload = thread.ParseURL(args[0])
				if payload == nil {
					return fmt.Errorf("not a valid thread reference: %s", args[0])
				}
			}

			cfg := loadedConfig(viper.GetString("workspace"))
			s := newSession(cfg)
			defer s.Close()
			card, err := s.Rehydrate(cmd.Context(), *payload)
			if err != nil {
				return err
			}
			if err := recordCard(cmd.Context(), card, "thread_sent", store.EventPayload{"ref": args[0]}); err != nil {
				return err
			}
			return sendToThread(cmd.Context(), card)
		},
	}
}

func threadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted thread artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, r store.Repo) error {
				items, err := r.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Summary", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.CardType, a.Title, a.Summary, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func threadOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <artifact-id|url>",
		Short: "Rehydrate a card from a persisted artifact or URL",
		Long:  "Resolves the argument to a thread payload (artifact id first, then literal halo://card URL), refetches the authoritative record, and renders the card.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if !strings.Contains(ref, "://") {
				err := withStore(cmd.Context(), func(ctx context.Context, r store.Repo) error {
					a, err := r.Get(ctx, ref)
					if err != nil {
						return err
					}
					ref = a.ThreadURL
					return nil
				})
				if err != nil {
					return err
				}
			}
			payload := thread.ParseURL(ref)
			if payload == nil {
				return fmt.Errorf("not a valid thread reference: %s", ref)
			}

			cfg := loadedConfig(viper.GetString("workspace"))
			s := newSession(cfg)
			defer s.Close()
			card, err := s.Rehydrate(cmd.Context(), *payload)
			if err != nil {
				return err
			}
			return printCard(card)
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail the local audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, r store.Repo) error {
				events, err := r.TailEvents(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("mock backend listening on", addr)
			return http.ListenAndServe(addr, mockapi.New().Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	return cmd
}

// recordCard saves the card as a thread artifact and appends an audit
// event. Cards without a draft or execution id (e.g. CLARIFY) are skipped
// via ErrNoIdentity.
func recordCard(ctx context.Context, card domain.Card, evtType string, payload store.EventPayload) error {
	return withStore(ctx, func(ctx context.Context, r store.Repo) error {
		if err := r.AppendEvent(ctx, evtType, "card", deref(card.DraftID), payload); err != nil {
			return err
		}
		_, err := r.SaveCard(ctx, card)
		return err
	})
}

func sendToThread(ctx context.Context, card domain.Card) error {
	err := withStore(ctx, func(ctx context.Context, r store.Repo) error {
		a, err := r.SaveCard(ctx, card)
		if err != nil {
			return err
		}
		fmt.Println("thread:", a.ThreadURL)
		return nil
	})
	if errors.Is(err, store.ErrNoIdentity) {
		color.Yellow("card has no draft or execution id; nothing to send")
		return nil
	}
	return err
}

func printCard(card domain.Card) error {
	if viper.GetBool("json") {
		return printJSON(card)
	}
	fmt.Printf("[%s] %s\n", card.Type, card.Title)
	if card.Summary != "" {
		fmt.Println(card.Summary)
	}
	if card.EstimatedCostCents != nil {
		fmt.Println("Estimated cost:", formatCents(card.EstimatedCostCents))
	}
	for _, warning := range card.Warnings {
		color.Yellow("! %s", warning)
	}

	switch card.Type {
	case domain.CardClarify:
		for _, q := range draft.ClarifyQuestions(card.Body) {
			fmt.Printf("%s (%s)\n", q.Prompt, q.ID)
			for _, choice := range q.Choices {
				fmt.Printf("  - %s\n", choice)
			}
		}
	case domain.CardDraft:
		switch draft.Classify(card.Body) {
		case draft.Reorder:
			for _, it := range draft.Items(card.Body) {
				fmt.Printf("  %s x%d\n", it.Name, it.Quantity)
			}
		case draft.CancelSubscription:
			selected := draft.SubscriptionName(card.Body)
			for _, name := range draft.SubscriptionOptions(card.Body) {
				marker := " "
				if name == selected {
					marker = "*"
				}
				fmt.Printf("  %s %s\n", marker, name)
			}
		case draft.Booking:
			idx := draft.BookingIndex(card.Body)
			for i, label := range draft.BookingLabels(card.Body) {
				marker := " "
				if int64(i) == idx {
					marker = "*"
				}
				fmt.Printf("  %s %s\n", marker, label)
			}
		}
		if card.DraftID != nil {
			fmt.Println("Draft:", *card.DraftID)
		}
	case domain.CardDone, domain.CardFailed:
		if card.ExecutionID != nil {
			fmt.Println("Execution:", *card.ExecutionID)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAnswers(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	answers := map[string]string{}
	for _, entry := range raw {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --answer %q, expected question-id=choice", entry)
		}
		answers[k] = v
	}
	return answers, nil
}

func parseItems(raw []string) ([]draft.Item, error) {
	items := make([]draft.Item, 0, len(raw))
	for _, entry := range raw {
		name, qtyStr, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --item %q, expected name=quantity", entry)
		}
		qty, err := strconv.ParseInt(qtyStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in --item %q: %w", entry, err)
		}
		items = append(items, draft.Item{Name: name, Quantity: qty})
	}
	return items, nil
}

func formatCents(cents *int64) string {
	if cents == nil {
		return "-"
	}
	return fmt.Sprintf("$%.2f", float64(*cents)/100)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
