package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/auth"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

var (
	hashAlgorithm string
	hashCost      int

	tokenUser string
	tokenTTL  time.Duration
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Hash a password for seeding or manual account setup",
	Long: `Hash a password with the configured algorithm.

The password is read from stdin when no argument is given, which keeps
it out of shell history:
  echo -n "$PASSWORD" | docaudit hash-password`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hasher, err := auth.NewHasher(hashAlgorithm, hashCost)
		if err != nil {
			return err
		}
		password := ""
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password from stdin: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		hash, err := hasher.Hash(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue an access token for an existing account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		issuer, err := auth.NewIssuer(auth.IssuerConfig{
			Secret:    cfg.Auth.SecretKey,
			Algorithm: cfg.Auth.TokenAlgorithm,
			TTL:       cfg.Auth.TokenTTL,
		})
		if err != nil {
			return err
		}

		db, err := store.New(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		user, err := db.GetUserByUsername(cmd.Context(), tokenUser)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q not found", tokenUser)
		}
		if err != nil {
			return err
		}
		now := time.Now()
		if !user.Usable(now) {
			return fmt.Errorf("user %q is disabled or expired", tokenUser)
		}
		role, err := access.ParseRole(user.Role)
		if err != nil {
			return err
		}

		token, claims, err := issuer.Issue(user.ID, role, user.Username, now, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
		return nil
	},
}

var importRulesetCmd = &cobra.Command{
	Use:   "import-ruleset <file.yaml>",
	Short: "Create or replace a ruleset from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, err := engine.ParseRulesetYAML(data)
		if err != nil {
			var appErr *engine.AppError
			if errors.As(err, &appErr) {
				return describeAppError(appErr)
			}
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.New(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := store.NewMigrator(db).MigrateAll(cmd.Context(), metadata.Catalog()); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}

		id, created, err := engine.ImportRuleset(cmd.Context(), db, doc, time.Now())
		if err != nil {
			return err
		}
		verb := "replaced rules of"
		if created {
			verb = "created"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ruleset %s (%s) with %d rules\n", verb, doc.Name, id, len(doc.Rules))
		return nil
	},
}

func describeAppError(e *engine.AppError) error {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, d := range e.Details {
		fmt.Fprintf(&b, "\n  %s: %s", d.Field, d.Message)
	}
	return errors.New(b.String())
}

func init() {
	hashPasswordCmd.Flags().StringVar(&hashAlgorithm, "algorithm", "bcrypt", "bcrypt or argon2id")
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", 12, "bcrypt cost")

	issueTokenCmd.Flags().StringVar(&tokenUser, "user", "", "username to issue the token for")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = issueTokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(hashPasswordCmd, issueTokenCmd, importRulesetCmd)
}
