package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"github.com/spf13/cobra"

	"github.com/oarkflow/gatekeeper"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatekeeper.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid\n  Version: %d\n  Tenants: %d\n  Rules: %d\n",
				cfg.Version, len(cfg.Tenants), len(cfg.Rules))
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <file>",
		Short: "Show seed file statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatekeeper.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration Statistics\n")
			fmt.Fprintf(out, "  Tenants: %d\n  Rules:   %d\n", len(cfg.Tenants), len(cfg.Rules))
			for _, t := range cfg.Tenants {
				grants, maxParents := 0, 0
				for _, a := range t.Actors {
					grants += len(a.Grants)
				}
				for _, r := range t.Roles {
					if len(r.Parents) > maxParents {
						maxParents = len(r.Parents)
					}
				}
				fmt.Fprintf(out, "  %s: %d permissions, %d roles (max %d parents), %d actors, %d direct grants\n",
					t.ID, len(t.Permissions), len(t.Roles), maxParents, len(t.Actors), grants)
			}
			if info, err := os.Stat(args[0]); err == nil {
				fmt.Fprintf(out, "  File size: %d bytes\n", info.Size())
			}
			return nil
		},
	}
}

func convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert a seed file between YAML and JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatekeeper.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var data []byte
			switch strings.ToLower(filepath.Ext(args[1])) {
			case ".json":
				data, err = cfg.ToJSON()
			case ".yaml", ".yml":
				data, err = cfg.ToYAML()
			default:
				return fmt.Errorf("unsupported output format: %s", filepath.Ext(args[1]))
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Converted %s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the grant store and audit tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), s, nil)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Write a seed file into the grant store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings(cmd)
			if err != nil {
				return err
			}
			cfg, err := gatekeeper.NewConfigLoader().LoadFile(args[0])
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), s, &cfg.Engine)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			if err := rt.engine.ApplyConfig(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("apply: %w", err)
			}
			for _, t := range cfg.Tenants {
				v, err := rt.store.Version(cmd.Context(), t.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied tenant %s at version %d\n", t.ID, v)
			}
			return nil
		},
	}
}

func decideCmd() *cobra.Command {
	var (
		req     gatekeeper.DecideRequest
		explain bool
		seed    string
	)
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Decide whether an actor may perform an action",
		Example: "  gatekeeper decide --tenant t1 --actor u1 --action approve --resource invoice:inv-1 --unit A\n" +
			"  gatekeeper decide --seed seed.yaml --tenant t1 --actor u1 --action view --resource invoice --explain",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings(cmd)
			if err != nil {
				return err
			}
			var cfg *gatekeeper.Config
			var engineCfg *gatekeeper.EngineConfig
			if seed != "" {
				if cfg, err = gatekeeper.NewConfigLoader().LoadFile(seed); err != nil {
					return err
				}
				engineCfg = &cfg.Engine
			}
			rt, err := openRuntime(cmd.Context(), s, engineCfg)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			// rules live in process memory; the seed file is how the CLI gets them
			if cfg != nil {
				if err := rt.engine.ApplyConfig(cmd.Context(), cfg); err != nil {
					return err
				}
			}

			var out any
			if explain {
				out, err = rt.engine.ExplainRequest(cmd.Context(), req)
			} else {
				out, err = rt.engine.DecideRequest(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Tenant, "tenant", "", "tenant id")
	f.StringVar(&req.ActorID, "actor", "", "actor id")
	f.StringVar(&req.Action, "action", "", "action, e.g. update")
	f.StringVar(&req.Resource, "resource", "", "resource as type or type:id")
	f.StringVar(&req.OwnerID, "owner", "", "resource owner id")
	f.StringVar(&req.Unit, "unit", "", "resource unit")
	f.StringVar(&req.Status, "status", "", "resource status")
	f.BoolVar(&explain, "explain", false, "print the evaluation steps")
	f.StringVar(&seed, "seed", "", "seed file providing rules and engine settings")
	return cmd
}

func auditCmd() *cobra.Command {
	var (
		filter gatekeeper.AuditFilter
		action string
		since  string
		until  string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the decision log",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings(cmd)
			if err != nil {
				return err
			}
			filter.Action = gatekeeper.Action(action)
			if filter.StartTime, err = parseBound(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if filter.EndTime, err = parseBound(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			rt, err := openRuntime(cmd.Context(), s, nil)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			records, err := rt.audit.GetAccessLog(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%s  %-6s %-40s %s/%s %s %s:%s v%d\n",
					r.RecordedAt.Format(time.RFC3339), r.Decision.Outcome, r.Decision.Code(),
					r.TenantID, r.ActorID, r.Action, r.ResourceType, r.ResourceID, r.Decision.Version)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.TenantID, "tenant", "", "tenant id")
	f.StringVar(&filter.ActorID, "actor", "", "actor id")
	f.StringVar(&filter.ResourceID, "resource-id", "", "resource id")
	f.StringVar(&action, "action", "", "action")
	f.StringVar(&since, "since", "", "start time, e.g. 2026-01-02 or 2026-01-02T15:04:05Z")
	f.StringVar(&until, "until", "", "end time")
	f.IntVar(&filter.Limit, "limit", 100, "maximum records")
	return cmd
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return date.Parse(s)
}
