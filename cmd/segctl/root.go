package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/service/auth"
)

const (
	envServer = "SEGQUEUE_SERVER"
	envToken  = "SEGQUEUE_TOKEN"
	envSecret = "SEGQUEUE_AUTH_JWT_SECRET"
	envUser   = "SEGQUEUE_USER"

	defaultServer  = "http://localhost:8080"
	requestTimeout = 30 * time.Second
)

// commandContext carries the global flags shared by every subcommand.
type commandContext struct {
	server     string
	token      string
	secret     string
	user       string
	jsonOutput bool
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "segctl",
		Short:         "Manage segmentation jobs on a segqueue server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.server, "server", envOr(envServer, defaultServer), "Base URL of the segqueue server")
	flags.StringVar(&ctx.token, "token", os.Getenv(envToken), "Bearer token for the API")
	flags.StringVar(&ctx.secret, "secret", os.Getenv(envSecret), "JWT secret used to mint a token when --token is empty")
	flags.StringVar(&ctx.user, "user", os.Getenv(envUser), "User id to mint a token for (with --secret)")
	flags.BoolVar(&ctx.jsonOutput, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))

	return rootCmd
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// bearerToken returns --token, or mints a short-lived token for --user from
// --secret the same way the server does.
func (c *commandContext) bearerToken(ctx context.Context) (string, error) {
	if token := strings.TrimSpace(c.token); token != "" {
		return token, nil
	}
	if c.secret == "" {
		return "", errors.New("no credentials: set --token or --secret with --user")
	}
	userID, err := uuid.Parse(strings.TrimSpace(c.user))
	if err != nil {
		return "", fmt.Errorf("invalid --user %q: %w", c.user, err)
	}
	jwtService, err := auth.NewJWTService(config.AuthConfig{JWTSecret: c.secret, TokenLifetimeMinutes: 15})
	if err != nil {
		return "", err
	}
	return jwtService.GenerateToken(ctx, userID)
}

// withClient builds an API client for one command invocation.
func (c *commandContext) withClient(cmd *cobra.Command, fn func(context.Context, *apiClient) error) error {
	token, err := c.bearerToken(cmd.Context())
	if err != nil {
		return err
	}
	client, err := newAPIClient(c.server, token, requestTimeout)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), client)
}

func parseProjectID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project id %q", raw)
	}
	return id, nil
}
