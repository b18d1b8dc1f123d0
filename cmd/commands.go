package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vadiminshakov/cryptodca/config"
	"github.com/vadiminshakov/cryptodca/internal/app"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/web"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cryptodca",
		Short:         "Dollar-cost averaging plan engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to yaml config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPIDCommand())
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, keeper and event forwarders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", zap.Error(err))
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newPIDCommand() *cobra.Command {
	var owner, source, target, amount string

	cmd := &cobra.Command{
		Use:   "pid",
		Short: "Derive the plan id of an owner, pair and chunk size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addrs := make([]common.Address, 0, 3)
			for _, raw := range []struct{ name, value string }{{"owner", owner}, {"source", source}, {"target", target}} {
				if !common.IsHexAddress(raw.value) {
					return errors.Errorf("--%s %q is not an address", raw.name, raw.value)
				}
				addrs = append(addrs, common.HexToAddress(raw.value))
			}
			chunk, err := decimal.NewFromString(amount)
			if err != nil || !domain.FitsUint256(chunk) {
				return errors.Errorf("--amount %q must be a whole number within the uint256 range", amount)
			}
			fmt.Fprintln(cmd.OutOrStdout(), domain.DerivePlanID(addrs[0], addrs[1], addrs[2], chunk).Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "plan owner address")
	cmd.Flags().StringVar(&source, "source", "", "source asset address")
	cmd.Flags().StringVar(&target, "target", "", "target asset address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount per execution in base units")
	for _, name := range []string{"owner", "source", "target", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var address string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(address) {
				return errors.Errorf("--address %q is not an address", address)
			}
			secret, err := jwtSecret(opts.configPath)
			if err != nil {
				return err
			}
			auth, err := web.NewAuthenticator(secret, ttl)
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.Sign(common.HexToAddress(address))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "caller address carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

// jwtSecret reads the signing secret from the config when one is given, else from the environment.
func jwtSecret(configPath string) (string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		return cfg.API.JWTSecret, nil
	}
	secret := strings.TrimSpace(os.Getenv("CRYPTODCA_JWT_SECRET"))
	if secret == "" {
		return "", errors.New("pass --config or set CRYPTODCA_JWT_SECRET")
	}
	return secret, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), domain.Version)
		},
	}
}

