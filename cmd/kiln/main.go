// Command kiln is a one-shot CLI over the assembly engine: build an image
// from a context directory, render its recipe, or inspect past assemblies.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/cmd/api/config"
	"github.com/kilnhq/kiln/lib/assembly"
	"github.com/kilnhq/kiln/lib/logger"
	"github.com/kilnhq/kiln/lib/paths"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Assemble container images from application directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newAssembleCmd())
	root.AddCommand(newRenderCmd())
	root.AddCommand(newInspectCmd())
	return root
}

func newManager() (assembly.Manager, *paths.Paths, error) {
	cfg := config.Load()
	p := paths.New(cfg.DataDir)
	log := logger.NewSubsystemLogger(logger.SubsystemCLI, logger.NewConfig(), nil)
	mgr, err := assembly.NewManager(p, cfg.AssemblyConfig(), log, nil)
	if err != nil {
		return nil, nil, err
	}
	return mgr, p, nil
}

// definitionFlags gathers the definition-shaped flags shared by assemble
// and render.
type definitionFlags struct {
	base     string
	manifest string
	workdir  string
	env      []string
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "", "base environment reference (e.g. python:3.11)")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "dependency manifest path relative to the context")
	cmd.Flags().StringVar(&f.workdir, "workdir", "", "application directory target inside the image")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "environment variable KEY=VALUE (repeatable)")
}

func (f *definitionFlags) definition(entrypoint []string) (assembly.Definition, error) {
	def := assembly.Definition{
		Base:       f.base,
		Manifest:   f.manifest,
		WorkDir:    f.workdir,
		Entrypoint: entrypoint,
	}
	for _, kv := range f.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return def, fmt.Errorf("malformed --env %q, want KEY=VALUE", kv)
		}
		if def.Env == nil {
			def.Env = map[string]string{}
		}
		def.Env[k] = v
	}
	return def, nil
}

func newAssembleCmd() *cobra.Command {
	var defFlags definitionFlags
	var contextDir, gitURL, gitRef, output, unpackTo string

	cmd := &cobra.Command{
		Use:   "assemble [flags] -- ENTRY_COMMAND...",
		Short: "Assemble an image and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			entrypoint := args
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				entrypoint = args[at:]
			}

			def, err := defFlags.definition(entrypoint)
			if err != nil {
				return err
			}

			mgr, p, err := newManager()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rec, err := mgr.CreateAssembly(ctx, assembly.CreateAssemblyRequest{
				Definition: def,
				ContextDir: contextDir,
				GitURL:     gitURL,
				GitRef:     gitRef,
			}, nil)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "assembly", rec.ID, "started")

			final, err := mgr.Await(ctx, rec.ID)
			if err != nil {
				return err
			}

			if final.Status != assembly.StatusReady {
				logs, logErr := mgr.GetAssemblyLogs(ctx, rec.ID)
				if logErr == nil {
					fmt.Fprint(cmd.ErrOrStderr(), string(logs))
				}
				step := ""
				if final.FailedStep != nil {
					step = *final.FailedStep
				}
				msg := ""
				if final.Error != nil {
					msg = *final.Error
				}
				return fmt.Errorf("assembly failed at %s: %s", step, msg)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "image:", final.ImageDigest)
			fmt.Fprintln(cmd.OutOrStdout(), "layout:", p.AssemblyImageDir(rec.ID))

			if output != "" {
				if err := os.CopyFS(output, os.DirFS(p.AssemblyImageDir(rec.ID))); err != nil {
					return fmt.Errorf("copy layout to %s: %w", output, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "output:", output)
			}

			if unpackTo != "" {
				if err := mgr.ExportRootfs(ctx, rec.ID, unpackTo); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rootfs:", unpackTo)
			}
			return nil
		},
	}

	defFlags.register(cmd)
	cmd.Flags().StringVar(&contextDir, "context", "", "local context directory")
	cmd.Flags().StringVar(&gitURL, "git", "", "git repository URL to clone as the context")
	cmd.Flags().StringVar(&gitRef, "git-ref", "", "branch or tag to clone")
	cmd.Flags().StringVar(&output, "output", "", "copy the assembled OCI layout into this directory")
	cmd.Flags().StringVar(&unpackTo, "unpack-to", "", "also unpack the assembled rootfs into this directory")
	return cmd
}

func newRenderCmd() *cobra.Command {
	var defFlags definitionFlags

	cmd := &cobra.Command{
		Use:   "render [flags] -- ENTRY_COMMAND...",
		Short: "Render the Dockerfile equivalent of a definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			entrypoint := args
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				entrypoint = args[at:]
			}

			def, err := defFlags.definition(entrypoint)
			if err != nil {
				return err
			}

			cfg := config.Load()
			if def.Manifest == "" {
				def.Manifest = cfg.DefaultManifest
			}
			if def.WorkDir == "" {
				def.WorkDir = cfg.DefaultWorkDir
			}

			out, err := assembly.RenderDockerfile(def, "", cfg.Installer)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	defFlags.register(cmd)
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [ID]",
		Short: "List assemblies, or show one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := newManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				rec, err := mgr.GetAssembly(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			records, err := mgr.ListAssemblies(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tBASE\tCREATED")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.Definition.Base, rec.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}
