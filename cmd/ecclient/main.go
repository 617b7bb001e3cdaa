package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pointapp_back_end/internal/ecclient"
	"pointapp_back_end/internal/logger"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	verbose   bool

	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ecclient",
	Short: "Client en ligne de commande des demandes de points EC",
	Long: `ecclient parle à l'API PointApp EC.

Les utilisateurs déposent et suivent leurs demandes, les magasins les
approuvent ou les refusent. Le jeton Bearer vient de --token ou de
POINTAPP_TOKEN.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		var err error
		log, err = logger.New(level, "console")
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("POINTAPP_URL", "http://localhost:8080"), "URL de l'API")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("POINTAPP_TOKEN"), "jeton Bearer")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "délai maximum par commande")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "journalisation détaillée")

	rootCmd.AddCommand(storesCmd, submitCmd, listCmd, showCmd, approveCmd, rejectCmd, messageCmd, watchCmd, pointsCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *ecclient.Client {
	return ecclient.New(serverURL, token, ecclient.WithLogger(log))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// userError remplace l'erreur par le texte destiné à l'utilisateur
func userError(err error, fallback string) error {
	if err == nil {
		return nil
	}
	return errors.New(ecclient.Message(err, fallback))
}
