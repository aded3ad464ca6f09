package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/governance-plane/internal/approval"
	"github.com/codex-k8s/governance-plane/internal/audit"
	"github.com/codex-k8s/governance-plane/internal/bootstrap"
	"github.com/codex-k8s/governance-plane/internal/chain"
	"github.com/codex-k8s/governance-plane/internal/dsl"
	"github.com/codex-k8s/governance-plane/internal/log"
	"github.com/codex-k8s/governance-plane/internal/maputil"
	"github.com/codex-k8s/governance-plane/internal/store"
	"github.com/codex-k8s/governance-plane/internal/timeutil"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd.Context(), func(*store.DB) error {
				p := opts.printer(cmd.OutOrStdout())
				if p.json() {
					return p.value(map[string]string{"status": "migrated", "driver": opts.env.DBDriver})
				}
				p.line("schema is up to date (%s)", opts.env.DBDriver)
				return nil
			})
		},
	}
}

// ConfigSummary describes a validated configuration file.
type ConfigSummary struct {
	Valid          bool              `json:"valid"`
	PolicyMode     string            `json:"policy_mode"`
	Transport      string            `json:"transport"`
	Intents        []string          `json:"intents"`
	Governed       []string          `json:"governed"`
	Connectors     []string          `json:"connectors"`
	ChainTemplates []string          `json:"chain_templates"`
	Routes         map[string]string `json:"routes"`
}

func summarize(cfg *dsl.Config) ConfigSummary {
	summary := ConfigSummary{
		Valid:      true,
		PolicyMode: cfg.Policy.Mode,
		Transport:  cfg.Server.Transport,
		Routes:     cfg.Policy.Routes,
	}
	for _, intent := range cfg.Intents {
		summary.Intents = append(summary.Intents, intent.Name)
		if intent.Governed {
			summary.Governed = append(summary.Governed, intent.Name)
		}
	}
	for _, conn := range cfg.Connectors {
		summary.Connectors = append(summary.Connectors, conn.Name+" ("+conn.Type+")")
	}
	for _, tpl := range cfg.ChainTemplates {
		summary.ChainTemplates = append(summary.ChainTemplates, fmt.Sprintf("%s@%d", tpl.Name, tpl.Version))
	}
	return summary
}

func newValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Render and validate a YAML configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := dsl.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			summary := summarize(cfg)
			p := opts.printer(cmd.OutOrStdout())
			if p.json() {
				return p.value(summary)
			}
			p.line("%s is valid", args[0])
			p.line("policy mode: %s, transport: %s", summary.PolicyMode, summary.Transport)
			p.line("intents: %s", strings.Join(summary.Intents, ", "))
			p.line("governed: %s", orDash(strings.Join(summary.Governed, ", ")))
			p.line("connectors: %s", strings.Join(summary.Connectors, ", "))
			p.line("chain templates: %s", orDash(strings.Join(summary.ChainTemplates, ", ")))
			for _, key := range maputil.SortedKeys(summary.Routes) {
				p.line("route %s -> %s", key, summary.Routes[key])
			}
			return nil
		},
	}
}

func newSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue pending approvals once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := dsl.LoadFile(opts.env.ConfigPath)
			if err != nil {
				return fmt.Errorf("%s: %w", opts.env.ConfigPath, err)
			}
			logger := log.NewWithWriter(cmd.ErrOrStderr(), opts.env.LogLevel)
			rt, err := bootstrap.Build(cmd.Context(), opts.env, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			expired := rt.Sweeper.Sweep(cmd.Context())
			p := opts.printer(cmd.OutOrStdout())
			if p.json() {
				return p.value(map[string]int{"expired": expired})
			}
			p.line("expired %d approval(s)", expired)
			return nil
		},
	}
}

func newApprovalsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect approvals",
	}

	var filter approval.Filter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approvals newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = approval.Status(strings.ToLower(strings.TrimSpace(status)))
			return opts.withStore(cmd.Context(), func(db *store.DB) error {
				page, err := approval.NewStore(db).List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(page.Items))
				for _, a := range page.Items {
					rows = append(rows, []string{
						a.ID, a.RequestID, a.Intent, string(a.Status), a.OperatorID,
						orDash(a.WorkspaceID), timeutil.Format(a.ExpiresAt),
					})
				}
				p := opts.printer(cmd.OutOrStdout())
				if err := p.table(page, []string{"ID", "REQUEST", "INTENT", "STATUS", "OPERATOR", "WORKSPACE", "EXPIRES"}, rows); err != nil {
					return err
				}
				if !p.json() {
					p.line("%d of %d", len(page.Items), page.Total)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&filter.OperatorID, "operator", "", "filter by requesting operator")
	list.Flags().StringVar(&filter.WorkspaceID, "workspace", "", "filter by workspace")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "page size")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "page offset")

	cmd.AddCommand(list)
	return cmd
}

func newChainCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect approval chains",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <approval-id>",
		Short: "Show every step of an approval chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd.Context(), func(db *store.DB) error {
				summary, err := chain.NewStore(db).GetChainSummary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(summary.Steps))
				for _, step := range summary.Steps {
					rows = append(rows, []string{
						strconv.Itoa(step.Order), step.Role, string(step.Status),
						orDash(deref(step.DecidedBy)), orDash(timeutil.FormatPtr(step.DecidedAt)), orDash(deref(step.DecisionNote)),
					})
				}
				p := opts.printer(cmd.OutOrStdout())
				if err := p.table(summary, []string{"ORDER", "ROLE", "STATUS", "DECIDED_BY", "DECIDED_AT", "NOTE"}, rows); err != nil {
					return err
				}
				if !p.json() {
					state := "in progress"
					switch {
					case summary.AllApproved:
						state = "approved"
					case summary.Rejected:
						state = "rejected"
					case len(summary.Active) == 0:
						state = "closed"
					}
					p.line("%d/%d steps completed, chain %s", summary.Completed, summary.Total, state)
				}
				return nil
			})
		},
	})
	return cmd
}

func newAuditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	var filter audit.Filter
	var eventType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.EventType = audit.EventType(strings.TrimSpace(eventType))
			if filter.EventType != "" && !filter.EventType.Valid() {
				return fmt.Errorf("unknown event type %q", eventType)
			}
			return opts.withStore(cmd.Context(), func(db *store.DB) error {
				events, err := audit.NewSQLSink(db).List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						timeutil.Format(e.Timestamp), string(e.EventType), orDash(e.Intent),
						orDash(e.OperatorID), orDash(e.Outcome), e.EventID,
					})
				}
				return opts.printer(cmd.OutOrStdout()).table(events, []string{"TIME", "TYPE", "INTENT", "OPERATOR", "OUTCOME", "ID"}, rows)
			})
		},
	}
	list.Flags().StringVar(&eventType, "type", "", "filter by event type")
	list.Flags().StringVar(&filter.Intent, "intent", "", "filter by intent")
	list.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of events")

	cmd.AddCommand(list)
	return cmd
}
