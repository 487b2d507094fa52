package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clinicore/internal/identity"
	jwttoken "clinicore/internal/jwt_token"
)

type tokenOutput struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at"`
}

// newTokenCommand signs a bearer token with the configured key. Only
// usable in development, where the key is the published dev key.
func newTokenCommand() *cobra.Command {
	var (
		claims identity.Claims
		ttl    time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.IsDevelopment() {
				return fmt.Errorf("token issuing is only available in development")
			}
			if claims.SubjectID == "" {
				claims.SubjectID = uuid.NewString()
			}
			if _, err := identity.FromClaims(claims); err != nil {
				return err
			}

			var opts []jwttoken.Option
			if cfg.Auth.Issuer != "" {
				opts = append(opts, jwttoken.WithIssuer(cfg.Auth.Issuer))
			}
			if cfg.Auth.Audience != "" {
				opts = append(opts, jwttoken.WithAudience(cfg.Auth.Audience))
			}
			now := time.Now()
			tok, err := jwttoken.NewService(cfg.Auth.JWTSigningKey, opts...).Issue(claims, now, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, tok)
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(tokenOutput{
				Token:     tok,
				Type:      "Bearer",
				Subject:   claims.SubjectID,
				Role:      claims.Role,
				ExpiresAt: now.Add(ttl).UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().StringVar(&claims.Role, "role", "", "physician, nurse or admin")
	cmd.Flags().StringVar(&claims.SubjectID, "user-id", "", "user id (UUID); generated if empty")
	cmd.Flags().StringVar(&claims.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&claims.LicenseNumber, "license", "", "license number claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
