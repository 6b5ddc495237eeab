package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/approval"
	"github.com/ILLUVRSE/supportops/support-core/internal/audit"
	"github.com/ILLUVRSE/supportops/support-core/internal/auth"
	"github.com/ILLUVRSE/supportops/support-core/internal/changes"
	"github.com/ILLUVRSE/supportops/support-core/internal/config"
	"github.com/ILLUVRSE/supportops/support-core/internal/logging"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/store"
)

type app struct {
	configPath string
	actor      string
	output     string

	cfg config.Config
	log *zap.Logger
	db  *sql.DB
	mgr *approval.Manager
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "supportctl",
		Short:         "Inspect and decide support change proposals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to YAML config (default $SUPPORT_CORE_CONFIG)")
	root.PersistentFlags().StringVar(&a.actor, "actor", os.Getenv("USER"), "identity recorded on decisions")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newProposalsCmd(a),
		newPolicyCmd(a),
		newAuditCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	if a.log != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

func (a *app) manager(ctx context.Context) (*approval.Manager, error) {
	if a.mgr != nil {
		return a.mgr, nil
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}

	var opener store.Opener = store.OpenAFS
	switch a.cfg.Approval.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		opener = func(ctx context.Context, _ store.Locations) (store.Store, error) {
			return store.NewPGStore(db), nil
		}
	case "s3":
		opener = store.S3Opener(a.cfg.Approval.S3Bucket, a.cfg.Approval.S3Prefix)
	}

	var sink audit.Sink = audit.NopSink{}
	if a.cfg.Audit.Dir != "" {
		fs, err := audit.NewFileSink(a.cfg.Audit.Dir)
		if err != nil {
			return nil, err
		}
		sink = fs
	}

	mgr := approval.NewManager(a.cfg.Approval.PolicyFile,
		approval.WithStoreOpener(opener),
		approval.WithLogger(a.log.Named("approval")),
		approval.WithAuditSink(sink))
	if err := mgr.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize approval manager: %w", err)
	}
	a.mgr = mgr
	return mgr, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) requireActor() (string, error) {
	actor := strings.TrimSpace(a.actor)
	if actor == "" {
		return "", fmt.Errorf("--actor required")
	}
	return actor, nil
}

func newProposalsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"proposal", "p"},
		Short:   "Manage change proposals",
	}
	cmd.AddCommand(
		newProposalsListCmd(a),
		newProposalsShowCmd(a),
		newProposalsCreateCmd(a),
		newProposalsApproveCmd(a),
		newProposalsRejectCmd(a),
		newProposalsExecutedCmd(a),
	)
	return cmd
}

func newProposalsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending proposals, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := mgr.ListPendingProposals(cmd.Context())
			if err != nil {
				return err
			}
			if a.output == "json" {
				return writeJSON(cmd.OutOrStdout(), pending)
			}
			return writeProposalTable(cmd.OutOrStdout(), pending)
		},
	}
}

func newProposalsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			p, err := mgr.LoadProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("proposal %s not found", args[0])
			}
			return writeJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newProposalsCreateCmd(a *app) *cobra.Command {
	var (
		in        approval.ProposalInput
		category  string
		risk      string
		diffFile  string
		fromFile  string
		toFile    string
		describe  string
		inputFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a new change proposal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputFile != "" {
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &in); err != nil {
					return fmt.Errorf("parse %s: %w", inputFile, err)
				}
			}
			if category != "" {
				in.Category = models.Category(category)
			}
			if risk != "" {
				in.RiskLevel = models.RiskLevel(risk)
			}
			if in.Reviewer == "" {
				in.Reviewer = a.actor
			}
			cs, err := changeSetFromFlags(describe, diffFile, fromFile, toFile)
			if err != nil {
				return err
			}
			if cs != nil {
				in.Changes = cs
			}

			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			id, err := mgr.CreateProposal(cmd.Context(), in)
			if err != nil {
				return err
			}
			if id == approval.AutoApprovedID {
				fmt.Fprintln(cmd.OutOrStdout(), "auto-approved; nothing persisted")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&inputFile, "file", "f", "", "JSON proposal input; --category and --risk override it")
	f.StringVar(&category, "category", "", "architecture, infrastructure, code or documentation")
	f.StringVar(&risk, "risk", "", "low, medium, high or critical")
	f.StringVar(&in.Rationale, "rationale", "", "why the change is needed")
	f.StringSliceVar(&in.AffectedComponents, "component", nil, "affected component (repeatable)")
	f.StringVar(&in.RollbackPlan, "rollback", "", "rollback plan, required for critical risk")
	f.StringVar(&in.Reviewer, "reviewer", "", "requested reviewer (defaults to --actor)")
	f.StringVar(&describe, "describe", "", "short description of the concrete change")
	f.StringVar(&diffFile, "diff", "", "unified diff file to attach")
	f.StringVar(&fromFile, "from", "", "original file; with --to, a diff is generated")
	f.StringVar(&toFile, "to", "", "modified file; with --from, a diff is generated")
	return cmd
}

func changeSetFromFlags(describe, diffFile, fromFile, toFile string) (*models.ChangeSet, error) {
	if describe == "" && diffFile == "" && fromFile == "" && toFile == "" {
		return nil, nil
	}
	cs := &models.ChangeSet{Description: describe}
	switch {
	case diffFile != "":
		data, err := os.ReadFile(diffFile)
		if err != nil {
			return nil, err
		}
		cs.Diff = string(data)
	case fromFile != "" || toFile != "":
		if fromFile == "" || toFile == "" {
			return nil, fmt.Errorf("--from and --to must be given together")
		}
		before, err := os.ReadFile(fromFile)
		if err != nil {
			return nil, err
		}
		after, err := os.ReadFile(toFile)
		if err != nil {
			return nil, err
		}
		diff, err := changes.Generate(string(before), string(after), toFile)
		if err != nil {
			return nil, err
		}
		cs.Diff = diff
	}
	return cs, nil
}

func newProposalsApproveCmd(a *app) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := a.requireActor()
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			p, err := mgr.ApproveProposal(cmd.Context(), args[0], actor, comment)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d approvals)\n", p.ID, p.Status, p.ApprovalCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func newProposalsRejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := a.requireActor()
			if err != nil {
				return err
			}
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason required")
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			p, err := mgr.RejectProposal(cmd.Context(), args[0], actor, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.ID, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func newProposalsExecutedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "executed <id>",
		Short: "Mark an approved proposal as executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := a.requireActor()
			if err != nil {
				return err
			}
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			p, err := mgr.MarkExecuted(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s\n", p.ID, p.Status, p.ExecutedBy)
			return nil
		},
	}
}

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the approval policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "requires-approval <category>",
		Short: "Report whether a category needs approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			c := models.Category(strings.ToLower(args[0]))
			if !c.Valid() {
				return fmt.Errorf("unknown category %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), mgr.RequiresApproval(c))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the loaded policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			p, err := mgr.Policy()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), p)
		},
	})
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local audit chain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and check every event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			if a.cfg.Audit.Dir == "" {
				return fmt.Errorf("audit.dir is not configured")
			}
			fs, err := audit.NewFileSink(a.cfg.Audit.Dir)
			if err != nil {
				return err
			}
			n, err := fs.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d events, head %s\n", n, fs.Head())
			return nil
		},
	})
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign an API token with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			v, err := auth.NewVerifier(auth.Config{Secret: a.cfg.Auth.JWTSecret, Issuer: a.cfg.Auth.Issuer}, a.log)
			if err != nil {
				return err
			}
			tok, err := v.Issue(args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeProposalTable(w io.Writer, ps []*models.Proposal) error {
	if len(ps) == 0 {
		_, err := fmt.Fprintln(w, "No pending proposals.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tRISK\tAPPROVALS\tREVIEWER\tCREATED")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			p.ID, p.Category, p.RiskLevel, p.ApprovalCount(), p.Reviewer, p.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
