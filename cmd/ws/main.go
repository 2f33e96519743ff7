package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"windsite/internal/config"
	"windsite/internal/db"
	"windsite/internal/domain"
	"windsite/internal/engine"
	"windsite/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ws",
	Short: "Windsite CLI",
	Long: `Windsite runs wind farm siting studies through a four stage pipeline.
- Workspace: your .windsite directory with the local database; tool endpoints live in windsite.yml.
- Project: one candidate site, identified by its coordinates, holding per-stage results.
- Stages: terrain -> layout -> simulation -> report; each stage needs the one before it.
- Analyze: give it a plain request ("analyze terrain at 45.5, -122.6") and it figures out
  the project and stage, calls the right compute tool, and saves the result.
- Event log: diary of pipeline progress, view with 'ws log tail'.`,
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
	viper.SetEnvPrefix("WINDSITE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "local-user", "owner identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func analyzeCmd() *cobra.Command {
	var name, stage, session string
	var lat, lon, radius float64
	cmd := &cobra.Command{
		Use:   "analyze <query...>",
		Short: "Run the next pipeline stage for a request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req := engine.Request{
					Query:     query,
					Owner:     viper.GetString("owner"),
					SessionID: session,
					Context: engine.RequestContext{
						ProjectID:   viper.GetString("project"),
						ProjectName: name,
						Stage:       stage,
					},
				}
				if cmd.Flags().Changed("lat") {
					req.Context.Latitude = &lat
				}
				if cmd.Flags().Changed("lon") {
					req.Context.Longitude = &lon
				}
				if cmd.Flags().Changed("radius") {
					req.Context.RadiusKm = &radius
				}
				res, err := e.Analyze(ctx, req)
				if err != nil {
					return describeErr(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				fmt.Println()
				for _, step := range res.ThoughtSteps {
					fmt.Printf("  %s  %s\n", step.Timestamp, step.Description)
				}
				fmt.Printf("\nTools used: %s (%dms)\n", strings.Join(res.Metadata.ToolsUsed, ", "), res.Metadata.ExecutionTimeMs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&stage, "stage", "", "stage (terrain, layout, simulation, report)")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().Float64Var(&lat, "lat", 0, "site latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "site longitude")
	cmd.Flags().Float64Var(&radius, "radius", 0, "site radius in km")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage siting projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Store.List(ctx, viper.GetString("owner"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Terrain", "Layout", "Simulation", "Report", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Name,
						p.Status(domain.StageTerrain), p.Status(domain.StageLayout),
						p.Status(domain.StageSimulation), p.Status(domain.StageReport),
						p.UpdatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func projectStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the stage checklist for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				checks := engine.Checklist(p)
				if viper.GetBool("json") {
					return printJSON(checks)
				}
				fmt.Printf("Project: %s (%s)\n", p.Name, p.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status"})
				for _, c := range checks {
					tw.AppendRow(table.Row{c.Stage, c.Status})
				}
				tw.Render()
				if next, ok := p.NextStage(); ok {
					fmt.Printf("Next stage: %s\n", next)
				} else {
					fmt.Println("Pipeline complete.")
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Store.LatestEvents(ctx, viper.GetString("project"), n)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default windsite.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowOwnerHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("WINDSITE_JWT_SECRET"),
				AllowOwnerHeader: allowOwnerHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowOwnerHeader {
				return fmt.Errorf("WINDSITE_JWT_SECRET is required for bearer auth (or pass --allow-owner-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Lifetime: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Windsite API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowOwnerHeader, "allow-owner-header", false, "accept unauthenticated X-Owner-Id (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// describeErr flattens the engine error taxonomy into a one-line CLI message.
func describeErr(err error) error {
	info := engine.Describe(err)
	if info.Kind == "internal" {
		return err
	}
	if info.MissingStage != "" {
		return fmt.Errorf("%s (missing stage: %s)", info.Message, info.MissingStage)
	}
	return errors.New(info.Message)
}

func printJSONOrIndent(v any) error {
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
