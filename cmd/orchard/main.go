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

	"github.com/gragarwa/orchard/internal/app"
	"github.com/gragarwa/orchard/internal/config"
	"github.com/gragarwa/orchard/internal/db"
	"github.com/gragarwa/orchard/internal/domain"
	"github.com/gragarwa/orchard/internal/engine"
	"github.com/gragarwa/orchard/internal/exim"
	"github.com/gragarwa/orchard/internal/migrate"
	"github.com/gragarwa/orchard/internal/repo"
	"github.com/gragarwa/orchard/internal/schema"
	"github.com/gragarwa/orchard/internal/server"
	"github.com/gragarwa/orchard/internal/settings"
)

var rootCmd = &cobra.Command{
	Use:   "orchard",
	Short: "Orchard CLI",
	Long: `Orchard is a workspace-scoped headless CMS.
- Workspace: the .orchard directory holding the database; config is stored in the DB.
- Schema: reusable content parts composed into named content types.
- Items: versioned content records; drafts become published via publish.
- Settings: named fragments of site configuration.
- Recipes: XML export documents; import replays one against a workspace.
- Shell descriptor: serial-numbered feature record; every import re-saves it.`,
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
	viper.SetEnvPrefix("ORCHARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("site", "", "site id (overrides single-site default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("site", rootCmd.PersistentFlags().Lookup("site"))
}

func registerCommands() {
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(partCmd())
	rootCmd.AddCommand(typeCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage the site"}
	site.AddCommand(siteInitCmd())
	site.AddCommand(siteShowCmd())
	site.AddCommand(siteListCmd())
	return site
}

func siteInitCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a site with the configured schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := defaultOrFileConfig(id)
			e := engine.New(conn, cfg)
			s, err := e.InitSite(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(s)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "site id")
	cmd.Flags().StringVar(&name, "name", "", "site name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func siteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSite(ctx, e.Config.Site.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSites(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect site config",
		Long:  "Config is stored in the DB: site id/name, enabled features, seed parts/types, and webhooks. Import from orchard.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from orchard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path := file
				if path == "" {
					path = config.Path(viper.GetString("workspace"))
				}
				cfg, err := config.FromFile(path)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				cfg.Site.ID = e.Config.Site.ID
				if err := e.Repo.UpsertSiteConfig(ctx, cfg.Site.ID, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path")
	return cmd
}

func partCmd() *cobra.Command {
	part := &cobra.Command{Use: "part", Short: "Manage content parts"}
	part.AddCommand(partListCmd())
	part.AddCommand(partDefineCmd())
	part.AddCommand(partShowCmd())
	return part
}

func partListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List content parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parts, err := e.Repo.ListParts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(parts)
			})
		},
	}
}

func partDefineCmd() *cobra.Command {
	var name, desc, settingsJSON string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Define a content part",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.DefineContentPart(ctx, domain.ContentPart{
					Name:         name,
					Description:  desc,
					SettingsJSON: settingsJSON,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "part name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&settingsJSON, "settings-json", "", "settings JSON object")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func partShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a content part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPart(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func typeCmd() *cobra.Command {
	typ := &cobra.Command{Use: "type", Short: "Manage content types"}
	typ.AddCommand(typeListCmd())
	typ.AddCommand(typeDefineCmd())
	typ.AddCommand(typeShowCmd())
	return typ
}

func typeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List content types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				types, err := e.Repo.ListTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Display Name", "Parts"})
				for _, t := range types {
					tw.AppendRow(table.Row{t.Name, t.DisplayName, strings.Join(t.Parts, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func typeDefineCmd() *cobra.Command {
	var name, display, desc string
	var parts []string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Define a content type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.DefineContentType(ctx, domain.ContentType{
					Name:        name,
					DisplayName: display,
					Description: desc,
					Parts:       parts,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "type name")
	cmd.Flags().StringVar(&display, "display-name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&parts, "part", []string{}, "attached part (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func typeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a content type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetType(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage content items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemPublishCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, contentType, dataJSON string
	var publish bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a content item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
					ID:          id,
					ContentType: contentType,
					DataJSON:    dataJSON,
					Publish:     publish,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when omitted)")
	cmd.Flags().StringVar(&contentType, "type", "", "content type")
	cmd.Flags().StringVar(&dataJSON, "data-json", "{}", "item data JSON")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish immediately")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func itemListCmd() *cobra.Command {
	var contentType string
	var published bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.ContentItem
				var err error
				if contentType != "" {
					items, err = e.Repo.ListItemsByType(ctx, contentType)
				} else {
					policy := repo.VersionLatest
					if published {
						policy = repo.VersionPublished
					}
					items, err = e.Repo.ListItems(ctx, policy)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Version", "Status", "Modified"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ContentType, it.Version, it.Status, it.ModifiedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "", "filter by content type")
	cmd.Flags().BoolVar(&published, "published", false, "published versions only")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the latest version of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemUpdateCmd() *cobra.Command {
	var dataJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Write a new draft version of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.UpdateItem(ctx, args[0], dataJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data-json", "{}", "item data JSON")
	return cmd
}

func itemPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish the latest version of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.PublishItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{Use: "settings", Short: "Manage site settings"}
	s.AddCommand(settingsShowCmd())
	s.AddCommand(settingsSetCmd())
	return s
}

func settingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show settings fragments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				svc := settings.Service{Repo: e.Repo, SiteID: e.Config.Site.ID}
				frags, err := svc.Fragments(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{}
				for _, f := range frags {
					out[f.FragmentName()] = f
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func settingsSetCmd() *cobra.Command {
	var fragment, valuesJSON string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a settings fragment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UpdateSettings(ctx, e.Config.Site.ID, fragment, valuesJSON, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&fragment, "fragment", "", "fragment name")
	cmd.Flags().StringVar(&valuesJSON, "values-json", "{}", "fragment values JSON")
	_ = cmd.MarkFlagRequired("fragment")
	return cmd
}

func exportCmd() *cobra.Command {
	var types []string
	var metadata, exportSettings, data, drafts bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a recipe document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(types) == 0 {
					all, err := e.Repo.ListTypes(ctx)
					if err != nil {
						return err
					}
					for _, t := range all {
						types = append(types, t.Name)
					}
				}
				opts := exim.ExportOptions{
					Metadata: metadata,
					Settings: exportSettings,
					Data:     data,
				}
				if drafts {
					opts.VersionHistory |= exim.VersionHistoryDraft
				} else {
					opts.VersionHistory |= exim.VersionHistoryPublished
				}
				exporter := newExporter(e, viper.GetString("workspace"))
				path, err := exporter.Export(ctx, viper.GetString("actor-id"), types, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"path": path})
				}
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&types, "type", []string{}, "content type to export (repeatable; all when omitted)")
	cmd.Flags().BoolVar(&metadata, "metadata", true, "include type/part definitions")
	cmd.Flags().BoolVar(&exportSettings, "settings", true, "include site settings")
	cmd.Flags().BoolVar(&data, "data", true, "include content items")
	cmd.Flags().BoolVar(&drafts, "drafts", false, "export latest versions instead of published only")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a recipe document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				text, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				importer := exim.Importer{Engine: e, SiteID: e.Config.Site.ID}
				if err := importer.Import(ctx, string(text), viper.GetString("actor-id")); err != nil {
					return err
				}
				d, err := e.ShellDescriptor(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "shell_serial": d.SerialNumber})
				}
				fmt.Printf("recipe applied (shell serial %d)\n", d.SerialNumber)
				return nil
			})
		},
	}
	return cmd
}

func shellCmd() *cobra.Command {
	sh := &cobra.Command{Use: "shell", Short: "Shell descriptor"}
	sh.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the shell descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ShellDescriptor(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	sh.AddCommand(&cobra.Command{
		Use:   "bump",
		Short: "Re-save the shell descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.BumpShellDescriptor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	})
	return sh
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Site.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Site.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Site.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Site.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
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
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			schemaVersion, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveSiteAndConfig(cmd.Context(), viper.GetString("site"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ORCHARD_JWT_SECRET"),
				AllowLegacyActorHeader: dev,
			}
			if authCfg.JWTSecret == "" && !dev {
				return fmt.Errorf("ORCHARD_JWT_SECRET is required for bearer auth (or pass --dev)")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Exporter: newExporter(e, workspace),
				Importer: exim.Importer{Engine: e, SiteID: cfg.Site.ID},
				BasePath: basePath,
				Auth:     authCfg,
			})
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
			fmt.Printf("Serving Orchard API on http://%s%s (schema v%d, OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath, schemaVersion)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "allow the legacy X-Actor-Id header (local use only)")
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
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveSiteAndConfig(ctx, viper.GetString("site"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
	return fn(ctx, repo.Repo{DB: conn})
}

func newExporter(e engine.Engine, workspace string) exim.Exporter {
	siteName := e.Config.Site.Name
	if siteName == "" {
		siteName = e.Config.Site.ID
	}
	return exim.Exporter{
		Repo:      e.Repo,
		Registry:  schema.Registry{Repo: e.Repo},
		Settings:  settings.Service{Repo: e.Repo, SiteID: e.Config.Site.ID},
		Artifacts: exim.ArtifactWriter{Workspace: workspace},
		SiteName:  siteName,
	}
}

func defaultOrFileConfig(siteID string) *config.Config {
	path := config.Path(viper.GetString("workspace"))
	if cfg, err := config.FromFile(path); err == nil {
		cfg.Site.ID = siteID
		return cfg
	}
	return config.Default(siteID)
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
