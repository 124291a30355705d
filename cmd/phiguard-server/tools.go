package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/phiguard/internal/config"
	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/hipaa"
)

func maskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask [value]",
		Short: "Mask a value as the given role would see it",
		Example: `  phiguard-server mask --role nurse --category ssn "123-45-6789"
  phiguard-server mask --role researcher --field Patient.birthDate 1980-04-12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roleName, _ := cmd.Flags().GetString("role")
			categoryName, _ := cmd.Flags().GetString("category")
			field, _ := cmd.Flags().GetString("field")

			category, err := resolveMaskCategory(categoryName, field)
			if err != nil {
				return err
			}
			role := hipaa.ParseRole(roleName)
			fmt.Fprintln(cmd.OutOrStdout(), hipaa.Mask(args[0], category, role))
			return nil
		},
	}
	cmd.Flags().String("role", string(hipaa.RoleGuest), "Viewer role; unknown roles are treated as guest")
	cmd.Flags().String("category", "", "PHI category, e.g. ssn, phone, diagnosis")
	cmd.Flags().String("field", "", "Field path, e.g. Patient.telecom.phone")
	return cmd
}

func resolveMaskCategory(category, field string) (hipaa.Category, error) {
	switch {
	case category != "" && field != "":
		return "", errors.New("use either --category or --field, not both")
	case category != "":
		c, ok := hipaa.ParseCategory(category)
		if !ok {
			return "", fmt.Errorf("unknown category %q", category)
		}
		return c, nil
	case field != "":
		c, ok := hipaa.CategoryForField(field)
		if !ok {
			return "", fmt.Errorf("field %q is not classified as PHI", field)
		}
		return c, nil
	default:
		return "", errors.New("--category or --field is required")
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return errors.New("--sub is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return errors.New("AUTH_SIGNING_KEY is required to issue tokens")
			}
			token, err := auth.IssueToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, splitRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Token subject (user id)")
	cmd.Flags().String("roles", string(hipaa.RoleProvider), "Comma separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
