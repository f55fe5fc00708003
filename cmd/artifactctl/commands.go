package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/invalidation"
	"github.com/sparesparrow/lifecycle/lifecycle"
	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/retention"
	"github.com/sparesparrow/lifecycle/versioning"
)

func (a *app) newTrackCommand() *cobra.Command {
	var (
		req      lifecycle.TrackRequest
		kind     string
		stage    string
		settings map[string]string
	)

	cmd := &cobra.Command{
		Use:   "track <id>",
		Short: "Track a new artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			var err error
			if kind != "" {
				if req.Kind, err = registry.ParseKind(kind); err != nil {
					return err
				}
			}
			if req.Stage, err = registry.ParseStage(stage); err != nil {
				return err
			}
			if req.File != "" {
				if req.File, err = filepath.Abs(req.File); err != nil {
					return errors.Wrap(err, errors.CodeInvalidInput, "invalid artifact file path")
				}
			}
			req.Settings = settings

			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			tracked, err := sys.Track(commandContext(cmd), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tracked)
		},
	}

	cmd.Flags().StringVar(&req.Family, "family", "", "Artifact family (defaults to the id)")
	cmd.Flags().StringVar(&req.Version, "version", "", "Artifact version")
	cmd.Flags().StringVar(&kind, "kind", "", "Artifact kind (binary, source, test, documentation)")
	cmd.Flags().StringVar(&stage, "stage", string(registry.StageDevelopment), "Lifecycle stage")
	cmd.Flags().StringVar(&req.Location, "location", "", "Storage location of the artifact bytes")
	cmd.Flags().StringSliceVar(&req.Dependencies, "dep", nil, "Dependency the artifact was built against (repeatable)")
	cmd.Flags().StringVar(&req.File, "file", "", "Local artifact file to checksum")
	cmd.Flags().BoolVar(&req.DeriveKeys, "derive-keys", false, "Derive cache keys from the source tree")
	cmd.Flags().StringVar(&req.Profile, "profile", "", "Build profile supplying binary settings")
	cmd.Flags().StringToStringVar(&settings, "setting", nil, "Extra binary setting name=value (repeatable)")
	return cmd
}

func (a *app) newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a tracked artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			art, err := sys.Registry().Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), art)
		},
	}
}

func (a *app) newListCommand() *cobra.Command {
	var stage, status, family string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			preds := []registry.Predicate{registry.All()}
			if stage != "" {
				st, err := registry.ParseStage(stage)
				if err != nil {
					return err
				}
				preds = append(preds, registry.ByStage(st))
			}
			if status != "" {
				st, err := registry.ParseStatus(status)
				if err != nil {
					return err
				}
				preds = append(preds, registry.ByStatus(st))
			}
			if family != "" {
				preds = append(preds, registry.ByFamily(family))
			}

			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sys.Registry().Find(registry.And(preds...)))
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Only artifacts in this stage")
	cmd.Flags().StringVar(&status, "status", "", "Only artifacts with this status")
	cmd.Flags().StringVar(&family, "family", "", "Only artifacts of this family")
	return cmd
}

func (a *app) newInvalidateCommand() *cobra.Command {
	var (
		changeType string
		paths      []string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate artifacts affected by a change",
		Long: "Invalidate artifacts affected by a change. Either describe the change with\n" +
			"--type and --path, or pass --since to use the source files changed in git\n" +
			"between a revision and HEAD.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if since != "" && len(paths) > 0 {
				return errors.New(errors.CodeInvalidInput, "--since and --path are mutually exclusive")
			}

			sys, err := a.system(cmd)
			if err != nil {
				return err
			}

			var ids []string
			if since != "" {
				ids, err = sys.InvalidateSince(ctx, since)
			} else {
				ct, perr := invalidation.ParseChangeType(changeType)
				if perr != nil {
					return perr
				}
				ids, err = sys.Invalidate(ctx, invalidation.NewChangeSet(ct, paths...))
			}
			if ids == nil {
				ids = []string{}
			}
			if perr := printJSON(cmd.OutOrStdout(), map[string][]string{"invalidated": ids}); perr != nil {
				return perr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&changeType, "type", string(invalidation.ChangeSource), "Change type (source, binary, dependency, full)")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Changed path or identifier (repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "Git revision to diff the source tree against")
	return cmd
}

func (a *app) newSweepCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply retention policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			if dryRun {
				return printJSON(cmd.OutOrStdout(), sys.Retention().Plan())
			}

			report, err := sys.Sweep(commandContext(cmd))
			if report != nil {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			return sweepFailures(report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List eviction candidates without deleting anything")
	return cmd
}

// sweepFailures turns the failed entries of a report into an error so the
// command exits non-zero.
func sweepFailures(r *retention.Report) error {
	var lines []string
	for _, f := range r.Failed {
		lines = append(lines, fmt.Sprintf("evict %s: %s", f.ID, f.Reason))
	}
	for _, f := range r.CleanupFailed {
		lines = append(lines, fmt.Sprintf("cleanup %s: %s", f.ID, f.Reason))
	}
	if len(lines) == 0 {
		return nil
	}
	return errors.Newf(errors.CodeIOFailure, "%d retention operations failed:\n  %s", len(lines), strings.Join(lines, "\n  "))
}

func (a *app) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show retention status per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sys.Retention().Status())
		},
	}
}

func (a *app) newKeysCommand() *cobra.Command {
	var (
		profile  string
		settings map[string]string
	)

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Derive cache keys for the source tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			res, err := sys.DeriveKeys(commandContext(cmd), profile, settings)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "Build profile supplying binary settings")
	cmd.Flags().StringToStringVar(&settings, "setting", nil, "Extra binary setting name=value (repeatable)")
	return cmd
}

func (a *app) newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Semantic version operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var kind string
	next := &cobra.Command{
		Use:   "next <family>",
		Short: "Compute the next version of a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ck, err := versioning.ParseChangeKind(kind)
			if err != nil {
				return err
			}
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			v, err := sys.Versions().NextVersion(commandContext(cmd), args[0], ck)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
			return err
		},
	}
	next.Flags().StringVar(&kind, "kind", string(versioning.ChangeBugfix), "Change kind (breaking, feature, bugfix)")

	var stage string
	record := &cobra.Command{
		Use:   "record <family> <version>",
		Short: "Record a released version in the family history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st registry.Stage
			if stage != "" {
				var err error
				if st, err = registry.ParseStage(stage); err != nil {
					return err
				}
			}
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			rec, err := sys.Versions().RecordRelease(commandContext(cmd), args[0], args[1], st)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	record.Flags().StringVar(&stage, "stage", "", "Stage of the release (defaults to the configured stage)")

	history := &cobra.Command{
		Use:   "history <family>",
		Short: "Show the release and rollback history of a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			records, err := sys.Versions().History().Records(args[0])
			if err != nil {
				return err
			}
			if records == nil {
				records = []versioning.Record{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}

	cmd.AddCommand(next, record, history)
	return cmd
}

func (a *app) newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Validate, plan and execute version rollbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	validate := &cobra.Command{
		Use:   "validate <family> <target>",
		Short: "Check whether a rollback is safe",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			safe, reasons := sys.Versions().ValidateRollback(commandContext(cmd), args[0], args[1])
			if reasons == nil {
				reasons = []string{}
			}
			return printJSON(cmd.OutOrStdout(), versioning.RollbackStatus{Target: args[1], Safe: safe, Reasons: reasons})
		},
	}

	plan := &cobra.Command{
		Use:   "plan <family> <target>",
		Short: "Create and save a rollback plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			p, err := sys.Versions().CreateRollbackPlan(commandContext(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	execute := &cobra.Command{
		Use:   "execute <family> <target>",
		Short: "Roll a family back to a previous version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			res, err := sys.Versions().ExecuteRollback(commandContext(cmd), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.AddCommand(validate, plan, execute)
	return cmd
}

func (a *app) newReportCommand() *cobra.Command {
	var families []string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report artifact and version state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system(cmd)
			if err != nil {
				return err
			}
			versions, err := sys.Versions().Report(commandContext(cmd), families)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Artifacts lifecycle.Report         `json:"artifacts"`
				Versions  versioning.VersionReport `json:"versions"`
			}{sys.Report(), versions})
		},
	}

	cmd.Flags().StringSliceVar(&families, "family", nil, "Families to include in the version report (default: all with history)")
	return cmd
}
