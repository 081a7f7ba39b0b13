package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metacontrol/internal/app"
	"metacontrol/internal/config"
	"metacontrol/internal/db"
	"metacontrol/internal/diagnostics"
	"metacontrol/internal/domain"
	"metacontrol/internal/engine"
	"metacontrol/internal/engine/auth"
	"metacontrol/internal/model"
	"metacontrol/internal/repo"
	"metacontrol/internal/server"
	"metacontrol/internal/snapshot"
)

var rootCmd = &cobra.Command{
	Use:   "mcr",
	Short: "Metacontrol reasoner",
	Long: `mcr keeps a robot's functional architecture matched to its mission at runtime.
- Objectives: what the robot must achieve, each with optional NFR thresholds.
- Function designs: alternative ways to realise a function, each requiring components
  and carrying quality estimations.
- Groundings: the design currently bound to an objective. At most one per objective.
- Diagnostics: component status, binding errors and quality observations. They feed
  inference, which marks objectives that need a new design.
- Cycle: inference followed by re-selection for every objective that needs it.
- Event log: every change the reasoner makes, view with 'mcr log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("METACONTROL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/metacontrol.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(objectiveCmd())
	rootCmd.AddCommand(designCmd())
	rootCmd.AddCommand(groundingCmd())
	rootCmd.AddCommand(componentCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, natsURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reasoner loop, HTTP API and diagnostics subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(func(c *config.Config) {
				if addr != "" {
					c.API.Addr = addr
				}
				if natsURL != "" {
					c.Diagnostics.NATSURL = natsURL
				}
			})
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			ac, err := app.Open(ctx, workspace, cfg)
			if err != nil {
				return err
			}
			defer ac.Close()
			e := ac.Engine
			logger := ac.Logger

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.API.BasePath,
				Auth: server.AuthConfig{
					JWTSecret: cfg.API.Auth.JWTSecret,
					Require:   cfg.API.Auth.Require,
					Logger:    logger.Named("auth"),
				},
				Metrics: ac.Metrics,
				Logger:  logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.API.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			var publish func(context.Context, engine.CycleResult)
			if cfg.Diagnostics.NATSURL != "" {
				nc, err := diagnostics.Connect(cfg.Diagnostics.NATSURL, logger.Named("nats"))
				if err != nil {
					return err
				}
				defer nc.Close()
				sub, err := diagnostics.NewSubscriber(nc, cfg.Diagnostics.Subject, cfg.Diagnostics.Queue,
					cfg.Diagnostics.DedupeSize, e, logger.Named("diagnostics"), ac.Metrics)
				if err != nil {
					return err
				}
				g.Go(func() error { return sub.Run(gctx) })
				if cfg.Reporting.NATSSubject != "" {
					publish = diagnostics.Publisher{
						Conn:    nc,
						Subject: cfg.Reporting.NATSSubject,
						Logger:  logger.Named("publisher"),
						Metrics: ac.Metrics,
					}.Publish
				}
			}
			hooks := server.NewWebhookDispatcher(e.Repo, cfg.Reporting.Webhooks, logger.Named("webhooks"))
			g.Go(func() error { return hooks.Run(gctx) })
			g.Go(func() error { return e.Run(gctx, cfg.Reasoner.CycleInterval, publish) })
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})

			logger.Info("reasoner started",
				zap.String("addr", cfg.API.Addr),
				zap.Duration("cycle_interval", cfg.Reasoner.CycleInterval),
				zap.Bool("nats", cfg.Diagnostics.NATSURL != ""),
				zap.Int("webhooks", len(cfg.Reporting.Webhooks)))
			fmt.Printf("Serving metacontrol API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.API.Addr, cfg.API.BasePath)

			err = g.Wait()
			_ = snapshot.OnShutdown(e.Repo, snapshotPath(workspace, cfg), cfg.Snapshot.Timeout, e.Guard.Do, logger.Named("snapshot"))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server for diagnostics (overrides diagnostics.nats_url)")
	return cmd
}

func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one reasoning cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				res, err := ac.Engine.Cycle(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(res.Objectives))
				for _, rg := range res.Objectives {
					bound := rg.Bound
					if bound == "" {
						bound = "(no solution)"
					}
					rows = append(rows, table.Row{rg.Objective, rg.Status, rg.Previous, bound})
				}
				if len(rows) == 0 && !viper.GetBool("json") {
					fmt.Println("No objective needed a new design.")
					return nil
				}
				return printJSONOrTable(res, table.Row{"Objective", "Status", "Previous", "Bound"}, rows)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				s, err := ac.Engine.Status(ctx)
				if err != nil {
					return err
				}
				var rows []table.Row
				for k, v := range s.Components {
					rows = append(rows, table.Row{"component", k, v})
				}
				for k, v := range s.Realisability {
					rows = append(rows, table.Row{"design", k, v})
				}
				for k, v := range s.Objectives {
					rows = append(rows, table.Row{"objective", k, v})
				}
				rows = append(rows, table.Row{"grounding", "total", s.Groundings})
				if len(s.NeedAttention) > 0 {
					rows = append(rows, table.Row{"attention", strings.Join(s.NeedAttention, ", "), len(s.NeedAttention)})
				}
				return printJSONOrTable(s, table.Row{"Kind", "State", "Count"}, rows)
			})
		},
	}
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "model", Short: "Load the functional model"}
	cmd.AddCommand(modelImportCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a sample model",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(model.Sample())
			return nil
		},
	})
	return cmd
}

func modelImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a model file into the knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			m, err := model.FromFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if err := ac.Engine.ImportModel(ctx, m); err != nil {
					return err
				}
				summary := map[string]int{
					"functions":        len(m.Functions),
					"components":       len(m.Components),
					"function_designs": len(m.FunctionDesigns),
					"objectives":       len(m.Objectives),
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Imported %d functions, %d components, %d designs, %d objectives from %s\n",
					summary["functions"], summary["components"], summary["function_designs"], summary["objectives"], file)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "model YAML file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
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
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(nil); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default metacontrol.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.Template()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func objectiveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "objective", Short: "Inspect and steer objectives"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List objectives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.ListObjectives(ctx, nil)
				if err != nil {
					return err
				}
				grounded := map[string]string{}
				fgs, err := ac.Engine.Repo.ListGroundings(ctx, nil)
				if err != nil {
					return err
				}
				for _, fg := range fgs {
					grounded[fg.Objective] = fg.Design
				}
				rows := make([]table.Row, 0, len(items))
				for _, o := range items {
					nfrs := make([]string, 0, len(o.NFRs))
					for _, n := range o.NFRs {
						nfrs = append(nfrs, fmt.Sprintf("%s>=%g", n.QAType, n.Threshold))
					}
					rows = append(rows, table.Row{o.ID, o.Function, o.Status, grounded[o.ID], strings.Join(nfrs, ", ")})
				}
				return printJSONOrTable(items, table.Row{"ID", "Function", "Status", "Design", "NFRs"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "updatable <id>",
		Short: "Ask the next cycle to re-plan an objective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				o, err := ac.Engine.MarkObjectiveUpdatable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o, table.Row{"ID", "Status"}, []table.Row{{o.ID, o.Status}})
			})
		},
	})
	var design string
	reground := &cobra.Command{
		Use:   "reground <id>",
		Short: "Bind an objective to a design now (or unbind it without --design)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				bound, err := ac.Engine.Reground(ctx, args[0], design)
				if err != nil {
					return err
				}
				out := map[string]string{"objective": args[0], "design": bound}
				return printJSONOrTable(out, table.Row{"Objective", "Design"}, []table.Row{{args[0], bound}})
			})
		},
	}
	reground.Flags().StringVar(&design, "design", "", "function design to bind")
	cmd.AddCommand(reground)
	return cmd
}

func designCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "design", Short: "Inspect function designs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List function designs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.ListFunctionDesigns(ctx, nil)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, fd := range items {
					est := make([]string, 0, len(fd.Estimations))
					for _, q := range fd.Estimations {
						est = append(est, fmt.Sprintf("%s=%g", q.QAType, q.Value))
					}
					rows = append(rows, table.Row{fd.ID, fd.Function, fd.Realisability,
						strings.Join(fd.Requires, ", "), strings.Join(est, ", "), strings.Join(fd.ErrorLog, ", ")})
				}
				return printJSONOrTable(items, table.Row{"ID", "Function", "Realisable", "Requires", "Estimations", "Error log"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear-errors <id>",
		Short: "Clear a design's error log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				n, err := ac.Engine.ClearErrorLog(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"design": args[0], "cleared": n}
				return printJSONOrTable(out, table.Row{"Design", "Cleared"}, []table.Row{{args[0], n}})
			})
		},
	})
	return cmd
}

func groundingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "grounding", Short: "Inspect function groundings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List function groundings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.ListGroundings(ctx, nil)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, fg := range items {
					qas := make([]string, 0, len(fg.QAValues))
					for _, q := range fg.QAValues {
						qas = append(qas, fmt.Sprintf("%s=%g", q.QAType, q.Value))
					}
					rows = append(rows, table.Row{fg.ID, fg.Objective, fg.Design, fg.Status, strings.Join(qas, ", ")})
				}
				return printJSONOrTable(items, table.Row{"ID", "Objective", "Design", "Status", "QA"}, rows)
			})
		},
	})
	return cmd
}

func componentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "component", Short: "Inspect components"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List components",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Engine.Repo.ListComponents(ctx, nil)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, c := range items {
					rows = append(rows, table.Row{c.ID, c.Status, c.UpdatedAt})
				}
				return printJSONOrTable(items, table.Row{"ID", "Status", "Updated"}, rows)
			})
		},
	})
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Submit a diagnostic report"}
	cmd.AddCommand(&cobra.Command{
		Use:   "binding <grounding> <level>",
		Short: "Report a binding error on a grounding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("level: %w", err)
			}
			return applyReport(cmd.Context(), domain.Report{Kind: domain.ReportBinding, Target: args[0], Level: level})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "component <component> <status>",
		Short: "Report a component status (OK, FALSE, RECOVERED)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyReport(cmd.Context(), domain.Report{Kind: domain.ReportComponent, Target: args[0], Value: args[1]})
		},
	})
	var target string
	qa := &cobra.Command{
		Use:   "qa <qa-type> <value>",
		Short: "Report an observed quality value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyReport(cmd.Context(), domain.Report{Kind: domain.ReportQA, Target: target, Key: args[0], Value: args[1]})
		},
	}
	qa.Flags().StringVar(&target, "grounding", "", "grounding id (default: first grounding)")
	cmd.AddCommand(qa)
	cmd.AddCommand(&cobra.Command{
		Use:   "estimation <design> <qa-type> <value>",
		Short: "Update a design's quality estimation",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyReport(cmd.Context(), domain.Report{Kind: domain.ReportEstimation, Target: args[0], Key: args[1], Value: args[2]})
		},
	})
	return cmd
}

func applyReport(ctx context.Context, r domain.Report) error {
	return withApp(ctx, func(ctx context.Context, ac *app.Context) error {
		outcome, err := ac.Engine.Apply(ctx, r)
		if err != nil {
			return err
		}
		out := map[string]any{"report": r, "outcome": outcome}
		return printJSONOrTable(out, table.Row{"Kind", "Target", "Outcome"}, []table.Row{{r.Kind, r.Target, outcome}})
	})
}

func snapshotCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write the knowledge base to a YAML snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				path := out
				if path == "" {
					path = snapshotPath(ac.Workspace, ac.Config)
				}
				if err := ac.Engine.Guard.Do(ctx, func(ctx context.Context) error {
					return snapshot.Write(ctx, ac.Engine.Repo, path)
				}); err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default snapshot.path)")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				events, err := ac.Engine.Repo.LatestEvents(ctx, n, 0, repo.EventFilter{
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.Payload})
				}
				return printJSONOrTable(events, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Payload"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name, scope string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				key, raw, err := auth.Service{Repo: ac.Engine.Repo}.CreateKey(ctx, name, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": raw})
				}
				fmt.Printf("Created %s key %s\n", key.Scope, key.ID)
				fmt.Println("Secret (shown once):", raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringVar(&scope, "scope", repo.ScopeDiagnostics, "diagnostics or admin")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				keys, err := ac.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.Name, k.Scope, k.CreatedAt})
				}
				return printJSONOrTable(keys, table.Row{"ID", "Name", "Scope", "Created"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if err := ac.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with api.auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.API.Auth.JWTSecret == "" {
				return fmt.Errorf("api.auth.jwt_secret (or METACONTROL_JWT_SECRET) is required")
			}
			token, err := server.SignToken(cfg.API.Auth.JWTSecret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_in": ttl.String()})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{repo.ScopeAdmin}, "scopes to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

// loadConfig reads the workspace config, applies flag and environment
// overrides and validates the result.
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.API.Auth.JWTSecret = secret
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	ac, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func snapshotPath(workspace string, cfg *config.Config) string {
	if filepath.IsAbs(cfg.Snapshot.Path) {
		return cfg.Snapshot.Path
	}
	return filepath.Join(workspace, cfg.Snapshot.Path)
}

func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
