package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/flagrace/internal/sandbox"
)

func newBuildImageCmd() *cobra.Command {
	var flagTag string

	cmd := &cobra.Command{
		Use:   "build-image",
		Short: "Build the agent sandbox image from the configured Dockerfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Docker.Dockerfile == "" {
				return fmt.Errorf("docker.dockerfile is not set in %s", flagConfig)
			}

			runtime := sandbox.NewDockerRuntime(logger)
			if err := runtime.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("docker unavailable: %w", err)
			}
			if err := runtime.BuildImage(cmd.Context(), cfg.Docker.BuildDir, cfg.Docker.Dockerfile, flagTag); err != nil {
				return fmt.Errorf("build image: %w", err)
			}
			fmt.Printf("Built %s\n", flagTag)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagTag, "tag", "flagrace-agent:latest", "Tag for the built image")
	return cmd
}
