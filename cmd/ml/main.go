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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medledger/internal/app"
	"medledger/internal/db"
	"medledger/internal/domain"
	"medledger/internal/engine"
	"medledger/internal/migrate"
	"medledger/internal/query"
	"medledger/internal/repo"
	"medledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Medledger CLI",
	Long: `Medledger tracks pharmaceutical batch custody between mutually
distrusting actors. Every status change is appended to a hash-linked
provenance chain, and every batch carries a MAC-bound authenticity token
that can be rendered as a scannable code.

Statuses flow Manufactured -> InTransit -> Delivered -> Sold/InStock, with
admin-only branches to UnderReview, Recalled and Expired. Sold, Recalled and
Expired are terminal; history is never rewritten.`,
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
	viper.SetEnvPrefix("MEDLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(serveCmd())
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if err := app.EnsureBootstrapAdmin(ctx, r, ""); err != nil {
		return err
	}
	return fn(ctx, r)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if err := app.EnsureBootstrapAdmin(ctx, e.Repo, ""); err != nil {
		return err
	}
	return fn(ctx, e)
}

func actingActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	return app.ResolveActor(ctx, r, viper.GetString("actor-id"))
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{Use: "batch", Short: "Manage batches"}
	b.AddCommand(batchCreateCmd())
	b.AddCommand(batchShowCmd())
	b.AddCommand(batchHistoryCmd())
	b.AddCommand(batchTransitionCmd())
	b.AddCommand(batchListCmd())
	return b
}

func batchCreateCmd() *cobra.Command {
	var opts engine.CreateBatchOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				b, err := e.CreateBatch(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BatchID, "batch-id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&opts.MedicineName, "name", "", "medicine name")
	cmd.Flags().StringVar(&opts.ManufacturerID, "manufacturer", "", "manufacturer id (defaults to acting manufacturer)")
	cmd.Flags().Int64Var(&opts.Quantity, "quantity", 0, "unit count")
	cmd.Flags().StringVar(&opts.ManufacturingDate, "mfg-date", "", "manufacturing date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ExpiryDate, "expiry-date", "", "expiry date (YYYY-MM-DD)")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch, including its verification token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q := query.Service{Repo: e.Repo, Chain: e.Chain}
				b, err := q.GetBatch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <batch-id>",
		Short: "Show custody history with chain integrity verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q := query.Service{Repo: e.Repo, Chain: e.Chain}
				h, err := q.GetHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "From", "To", "Actor", "Role", "At"})
				for _, rec := range h.Records {
					tw.AppendRow(table.Row{rec.Seq, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.ActorRole, rec.Timestamp})
				}
				tw.Render()
				if h.ChainIntact {
					fmt.Println("chain: intact")
				} else {
					fmt.Println("chain: BROKEN:", h.IntegrityIssue)
				}
				return nil
			})
		},
	}
}

func batchTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <batch-id> <target-status>",
		Short: "Request a status transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := actingActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				b, err := e.RequestTransition(ctx, args[0], args[1], actor)
				if err != nil {
					var ce repo.ConflictError
					if errors.As(err, &ce) {
						return fmt.Errorf("%w (another transition won the race; re-run to retry)", err)
					}
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchListCmd() *cobra.Command {
	var status, actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q := query.Service{Repo: e.Repo, Chain: e.Chain}
				var (
					items []domain.Batch
					err   error
				)
				switch {
				case status != "":
					items, err = q.ListByStatus(ctx, status)
				case actor != "":
					items, err = q.ListByActor(ctx, actor)
				default:
					items, err = e.Repo.ListBatches(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "Medicine", "Status", "Version", "Manufacturer", "Expiry"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.BatchID, b.MedicineName, b.Status, b.Version, b.ManufacturerID, b.ExpiryDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter (manufacturer or assigned custodian)")
	return cmd
}

func actorCmd() *cobra.Command {
	a := &cobra.Command{Use: "actor", Short: "Manage actors"}
	a.AddCommand(actorAddCmd())
	a.AddCommand(actorListCmd())
	a.AddCommand(actorDeactivateCmd())
	a.AddCommand(actorKeyCmd())
	return a
}

func requireAdminActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	actor, err := actingActor(ctx, r)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, errors.New("admin role required")
	}
	return actor, nil
}

func actorAddCmd() *cobra.Command {
	var role, name, email string
	cmd := &cobra.Command{
		Use:   "add <actor-id>",
		Short: "Register an actor (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := requireAdminActor(ctx, r); err != nil {
					return err
				}
				a := domain.Actor{
					ID:        args[0],
					Role:      role,
					Name:      name,
					Email:     email,
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertActor(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "actor role: admin|manufacturer|supplier|distributor|enduser")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Active"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Role, a.Name, a.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actorDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <actor-id>",
		Short: "Deactivate an actor (admin); batch history is never altered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := requireAdminActor(ctx, r); err != nil {
					return err
				}
				if err := r.DeactivateActor(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deactivated", args[0])
				return nil
			})
		},
	}
}

func actorKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <actor-id>",
		Short: "Issue an API key for an actor (admin); the key prints once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := requireAdminActor(ctx, r); err != nil {
					return err
				}
				if _, err := r.GetActor(ctx, args[0]); err != nil {
					return err
				}
				plain := "mlk_" + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: args[0],
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <payload>",
		Short: "Verify a batch authenticity payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claims, b, err := e.VerifyToken(ctx, args[0])
				if err != nil {
					fmt.Println("valid: false")
					fmt.Println("reason:", err.Error())
					return nil
				}
				fmt.Println("valid: true")
				fmt.Println("batch:", claims.BatchID)
				fmt.Println("status:", b.Status)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := app.EnsureBootstrapAdmin(cmd.Context(), e.Repo, ""); err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("MEDLEDGER_JWT_SECRET is required for bearer auth")
			}
			if cfg.Verification.Secret == "" {
				return fmt.Errorf("MEDLEDGER_VERIFY_SECRET is required for token verification")
			}
			authCfg := server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, AllowDevLogin: devLogin || cfg.Auth.AllowDevLogin}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
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
			fmt.Printf("Serving Medledger API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev login endpoint")
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
