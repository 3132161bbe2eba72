package main

import (
	"context"
	"errors"
	"io"

	"github.com/AlecAivazis/survey/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/csims/csims/internal/auth"
	"github.com/csims/csims/internal/rbac"
	"github.com/csims/csims/internal/shared"
)

// AdminRole is granted every permission.
const AdminRole = "admin"

type userCreator interface {
	CreateUser(ctx context.Context, email, password string) (*auth.User, error)
}

type roleSeeder interface {
	EnsureRole(ctx context.Context, name, description string) (rbac.Role, error)
	EnsurePermission(ctx context.Context, name, description string) (rbac.Permission, error)
	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	AssignRole(ctx context.Context, userID, roleID int64) error
}

func newSeedCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create or reset an administrator with every permission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				if err := survey.AskOne(&survey.Input{Message: "Admin email:"}, &email, surveyOpts...); err != nil {
					return err
				}
			}
			if password == "" {
				if err := survey.AskOne(&survey.Password{Message: "Admin password:"}, &password, surveyOpts...); err != nil {
					return err
				}
			}
			e, err := openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			return seedAdmin(cmd.Context(), e.services.Auth, e.services.RBAC, email, password, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "administrator email")
	cmd.Flags().StringVar(&password, "password", "", "administrator password (prompted when empty)")
	return cmd
}

func seedAdmin(ctx context.Context, users userCreator, roles roleSeeder, email, password string, out io.Writer) error {
	user, err := users.CreateUser(ctx, email, password)
	if err != nil {
		var ve shared.ValidationError
		if errors.As(err, &ve) {
			for field, msg := range ve.Fields {
				pterm.Error.WithWriter(out).Printf("%s %s\n", field, msg)
			}
		}
		return err
	}
	role, err := roles.EnsureRole(ctx, AdminRole, "Full cooperative administration")
	if err != nil {
		return err
	}
	scopes := append(shared.CoreScopes(), shared.CooperativeScopes()...)
	for _, name := range scopes {
		perm, err := roles.EnsurePermission(ctx, name, name)
		if err != nil {
			return err
		}
		if err := roles.GrantPermission(ctx, role.ID, perm.ID); err != nil {
			return err
		}
	}
	if err := roles.AssignRole(ctx, user.ID, role.ID); err != nil {
		return err
	}
	pterm.Success.WithWriter(out).Printf("%s is an administrator with %d permissions\n", user.Email, len(scopes))
	return nil
}
