package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/platform/docker"
	"github.com/dontdude/codexec/internal/platform/pubsub"
	"github.com/dontdude/codexec/internal/session"
	"github.com/dontdude/codexec/internal/workspace"
)

const verifyCode = "print('Hello from codexec - Verified!')"

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print toolchain, docker and redis diagnostics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := opts.load(cmd)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err)
				return nil
			}
			fmt.Fprintf(out, "config_path=%s\n", opts.configPath)
			if err := cfg.validate(); err != nil {
				fmt.Fprintf(out, "config_invalid=%s\n", err)
			}
			fmt.Fprintf(out, "runner=%s\n", cfg.Runner)
			fmt.Fprintf(out, "workdir=%s\n", cfg.WorkDir)

			reportToolchain(out, cfg)
			reportWorkDir(out, cfg.WorkDir)

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			reportDocker(ctx, out, cfg)
			reportRedis(out, cfg)

			if verify {
				if err := runVerification(ctx, out, cfg); err != nil {
					fmt.Fprintf(out, "verify_error=%s\n", err)
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "run a python hello-world through the configured runner")
	return cmd
}

func reportToolchain(out io.Writer, cfg Config) {
	bins := cfg.Toolchain.Binaries()
	roles := make([]string, 0, len(bins))
	for role := range bins {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Fprintf(out, "toolchain_%s=%s\n", role, bins[role])
	}
	if cfg.Runner != runnerLocal {
		return
	}
	missing := cfg.Toolchain.Missing()
	fmt.Fprintf(out, "toolchain_complete=%t\n", len(missing) == 0)
	if len(missing) > 0 {
		fmt.Fprintf(out, "toolchain_missing=%s\n", strings.Join(missing, ","))
	}
}

func reportWorkDir(out io.Writer, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(out, "workdir_writable=false\nworkdir_error=%s\n", err)
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		fmt.Fprintf(out, "workdir_writable=false\nworkdir_error=%s\n", err)
		return
	}
	f.Close()
	os.Remove(f.Name())
	fmt.Fprintln(out, "workdir_writable=true")
}

func reportDocker(ctx context.Context, out io.Writer, cfg Config) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ds, err := docker.NewStarter(pingCtx, docker.Config{Image: cfg.Docker.Image, MountRoot: cfg.WorkDir})
	if err != nil {
		fmt.Fprintln(out, "docker_reachable=false")
		if cfg.Runner == runnerDocker {
			fmt.Fprintf(out, "docker_error=%s\n", err)
		}
		return
	}
	ds.Close()
	fmt.Fprintln(out, "docker_reachable=true")
	if cfg.Docker.Image != "" {
		fmt.Fprintf(out, "docker_image=%s\n", cfg.Docker.Image)
	}
}

func reportRedis(out io.Writer, cfg Config) {
	if cfg.Redis.Addr == "" {
		fmt.Fprintln(out, "redis_configured=false")
		return
	}
	fmt.Fprintf(out, "redis_addr=%s\n", cfg.Redis.Addr)
	rb, err := pubsub.NewRedisBroadcaster(cfg.Redis.Addr, cfg.Redis.Prefix)
	if err != nil {
		fmt.Fprintf(out, "redis_reachable=false\nredis_error=%s\n", err)
		return
	}
	rb.Close()
	fmt.Fprintln(out, "redis_reachable=true")
}

// runVerification executes a python snippet through a real session.
func runVerification(ctx context.Context, out io.Writer, cfg Config) error {
	root, err := os.MkdirTemp(cfg.WorkDir, "doctor-")
	if err != nil {
		return fmt.Errorf("create verification root: %w", err)
	}
	defer os.RemoveAll(root)

	logger := newLogger(io.Discard, false)
	starter, closeStarter, err := newStarter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStarter()

	sessions := session.NewManager(session.Config{
		Allocator: workspace.New(root),
		Toolchain: cfg.Toolchain,
		Starter:   starter,
		Logger:    logger,
	})

	var (
		mu     sync.Mutex
		output strings.Builder
	)
	s, err := sessions.Execute("doctor", domain.ExecutionRequest{Code: verifyCode, Language: domain.LanguagePython}, func(text string) {
		mu.Lock()
		output.WriteString(text)
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		sessions.Shutdown(context.Background())
		return ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "verify_output=%q\n", output.String())
	if !strings.Contains(output.String(), "Verified!") {
		return fmt.Errorf("unexpected output")
	}
	return nil
}
