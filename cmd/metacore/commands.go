package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"metacore/internal/core"
	"metacore/internal/validation"
	"metacore/pkg/domain"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "metacore",
		Short: "Manage sample and preparation metadata templates",
		Long: `metacore validates tab-delimited metadata templates and keeps them in the
configured store: sample templates per study, preparation templates per
sequencing prep, their external accessions and their archived files.

Templates are named kind:id, e.g. sample:2 or prep:7.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a JSON config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newValidateCmd(a),
		newCreateCmd(a),
		newExtendCmd(a),
		newUpdateCmd(a),
		newDeleteCmd(a),
		newShowCmd(a),
		newExportCmd(a),
		newFilesCmd(a),
		newAccessionsCmd(a),
		newArtifactsCmd(a),
	)
	return root
}

func printResult(w io.Writer, res domain.Result) {
	for _, msg := range res.Warnings() {
		fmt.Fprintln(w, "warning:", msg)
	}
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		kind     string
		dataType string
		study    int64
	)
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a template file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, res, err := readTemplateFile(args[0])
			if err != nil {
				return err
			}
			reg, err := a.cfg.LoadRegistry()
			if err != nil {
				return err
			}
			tkind := domain.TemplateKind(kind)
			if tkind != domain.KindSample && tkind != domain.KindPrep {
				return fmt.Errorf("kind %q: expected sample or prep", kind)
			}
			cleaned, err := validation.CleanAndValidate(table, study, reg.Sets(reg.TagsFor(tkind, dataType))...)
			if err != nil {
				return err
			}
			res.Merge(cleaned.Result)
			out := cmd.OutOrStdout()
			printResult(out, res)
			fmt.Fprintf(out, "valid: %d samples, %d categories\n", cleaned.Table.Len(), len(cleaned.Columns))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindSample), "Template kind: sample or prep")
	cmd.Flags().StringVar(&dataType, "data-type", "", "Data type of a prep template")
	cmd.Flags().Int64Var(&study, "study", 1, "Study id used to prefix sample names")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sample or prep template",
	}

	sample := &cobra.Command{
		Use:   "sample STUDY FILE",
		Short: "Create the sample template of a study",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			study, err := parseStudy(args[0])
			if err != nil {
				return err
			}
			table, res, err := readTemplateFile(args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			tmpl, created, err := svc.CreateSampleTemplate(cmd.Context(), study, table)
			if err != nil {
				return err
			}
			res.Merge(created)
			printResult(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "created %s:%d with %d samples\n", tmpl.Info.Ref.Kind, tmpl.Info.Ref.ID, tmpl.Table.Len())
			return nil
		},
	}

	var dataType, investigationType string
	prep := &cobra.Command{
		Use:   "prep STUDY FILE",
		Short: "Create a prep template for a study",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			study, err := parseStudy(args[0])
			if err != nil {
				return err
			}
			table, res, err := readTemplateFile(args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			tmpl, created, err := svc.CreatePrepTemplate(cmd.Context(), study, table, dataType, investigationType)
			if err != nil {
				return err
			}
			res.Merge(created)
			printResult(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "created %s:%d with %d samples\n", tmpl.Info.Ref.Kind, tmpl.Info.Ref.ID, tmpl.Table.Len())
			return nil
		},
	}
	prep.Flags().StringVar(&dataType, "data-type", "", "Data type, e.g. 16S or Metagenomic")
	prep.Flags().StringVar(&investigationType, "investigation-type", "", "Investigation type term")
	_ = prep.MarkFlagRequired("data-type")

	cmd.AddCommand(sample, prep)
	return cmd
}

type applyFunc func(svc *core.Service, ctx context.Context, ref domain.TemplateRef, table domain.Table) (domain.Result, error)

// applyFile loads FILE and applies it to TEMPLATE with fn.
func (a *app) applyFile(cmd *cobra.Command, args []string, verb string, fn applyFunc) error {
	ref, err := parseRef(args[0])
	if err != nil {
		return err
	}
	table, res, err := readTemplateFile(args[1])
	if err != nil {
		return err
	}
	svc, err := a.service(cmd.Context())
	if err != nil {
		return err
	}
	applied, err := fn(svc, cmd.Context(), ref, table)
	if err != nil {
		return err
	}
	res.Merge(applied)
	printResult(cmd.OutOrStdout(), res)
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
	return nil
}

func newExtendCmd(a *app) *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "extend TEMPLATE FILE",
		Short: "Add new samples and categories to a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if update {
				return a.applyFile(cmd, args, "extended and updated", (*core.Service).ExtendAndUpdate)
			}
			return a.applyFile(cmd, args, "extended", (*core.Service).Extend)
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "Also overwrite changed values of existing samples")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update TEMPLATE FILE",
		Short: "Overwrite changed values of existing samples",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.applyFile(cmd, args, "updated", (*core.Service).Update)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	var (
		samples []string
		column  string
	)
	cmd := &cobra.Command{
		Use:   "delete TEMPLATE",
		Short: "Delete a template, some of its samples or one category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			if len(samples) > 0 && column != "" {
				return fmt.Errorf("--samples and --column are exclusive")
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			var (
				res  domain.Result
				what = args[0]
			)
			switch {
			case len(samples) > 0:
				res, err = svc.DeleteSamples(cmd.Context(), ref, samples)
				what = fmt.Sprintf("%d samples of %s", len(samples), args[0])
			case column != "":
				res, err = svc.DeleteColumn(cmd.Context(), ref, column)
				what = fmt.Sprintf("category %s of %s", column, args[0])
			default:
				res, err = svc.Delete(cmd.Context(), ref)
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", what)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&samples, "samples", nil, "Delete only these samples")
	cmd.Flags().StringVar(&column, "column", "", "Delete only this category")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var restrictions []string
	cmd := &cobra.Command{
		Use:   "show TEMPLATE",
		Short: "Print the status, categories and missing required categories of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			tmpl, err := svc.Get(cmd.Context(), ref)
			if err != nil {
				return err
			}
			missing, err := svc.CheckRestrictions(cmd.Context(), ref, restrictions)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "template: %s\nstudy: %d\nstatus: %s\nsamples: %d\n", args[0], tmpl.Info.StudyID, tmpl.Status, tmpl.Table.Len())
			if tmpl.Info.DataType != "" {
				fmt.Fprintf(out, "data type: %s\n", tmpl.Info.DataType)
			}
			fmt.Fprintf(out, "restrictions: %s\n", strings.Join(tmpl.Info.Restrictions, ", "))
			for _, c := range tmpl.Columns {
				fmt.Fprintf(out, "  %s\t%s\n", c.Name, c.Type)
			}
			if len(missing) > 0 {
				fmt.Fprintf(out, "missing: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&restrictions, "restrictions", nil, "Check these restriction sets instead of the template's own")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		qiime  bool
		rows   []string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export TEMPLATE",
		Short: "Write a template (or its QIIME mapping file) as tab-delimited text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			if qiime {
				return svc.QIIMEMappingFile(cmd.Context(), ref, w)
			}
			return svc.ToFile(cmd.Context(), ref, w, rows...)
		},
	}
	cmd.Flags().BoolVar(&qiime, "qiime", false, "Write the QIIME mapping file of a prep template")
	cmd.Flags().StringSliceVar(&rows, "samples", nil, "Export only these samples")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newFilesCmd(a *app) *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "files TEMPLATE",
		Short: "List archived template files, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if generate {
				res, err := svc.GenerateFiles(cmd.Context(), ref)
				if err != nil {
					return err
				}
				printResult(out, res)
			}
			files, err := svc.Filepaths(cmd.Context(), ref)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", f.ID, f.Kind, f.CreatedAt.Format(time.RFC3339), f.Key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "Archive the current template files first")
	return cmd
}

func newAccessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accessions",
		Short: "Read or assign external accessions",
	}
	get := &cobra.Command{
		Use:   "get TEMPLATE KIND",
		Short: "Print the accessions of every sample",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			acc, err := svc.Accessions(cmd.Context(), ref, domain.AccessionKind(args[1]))
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(acc))
			for k := range acc {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, acc[k].Text())
			}
			return nil
		},
	}
	set := &cobra.Command{
		Use:   "set TEMPLATE KIND SAMPLE=ACCESSION...",
		Short: "Assign accessions to samples",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			values := make(map[string]string, len(args)-2)
			for _, pair := range args[2:] {
				key, value, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("accession %q: expected SAMPLE=ACCESSION", pair)
				}
				values[key] = value
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.SetAccessions(cmd.Context(), ref, domain.AccessionKind(args[1]), values)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "set %d %s\n", len(values), args[1])
			return nil
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}

func newArtifactsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Record artifacts derived from prep templates",
	}
	var status string
	attach := &cobra.Command{
		Use:   "attach TEMPLATE ARTIFACT",
		Short: "Record an artifact derived from the template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			switch domain.Status(status) {
			case domain.StatusSandbox, domain.StatusAwaitingApproval, domain.StatusPrivate, domain.StatusPublic:
			default:
				return fmt.Errorf("status %q: expected sandbox, awaiting_approval, private or public", status)
			}
			store, err := a.artifactStore()
			if err != nil {
				return err
			}
			if err := store.Attach(cmd.Context(), ref, args[1], domain.Status(status)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attached %s to %s\n", args[1], args[0])
			return nil
		},
	}
	attach.Flags().StringVar(&status, "status", string(domain.StatusSandbox), "Artifact visibility")
	detach := &cobra.Command{
		Use:   "detach TEMPLATE ARTIFACT",
		Short: "Forget an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			store, err := a.artifactStore()
			if err != nil {
				return err
			}
			if err := store.Detach(cmd.Context(), ref, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "detached %s from %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.AddCommand(attach, detach)
	return cmd
}
