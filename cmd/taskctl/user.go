package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd(opts *options) *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.newClient()
			if err := c.Register(cmd.Context(), name, email, password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "User registered successfully")
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name")
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func loginCmd(opts *options) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.newClient()
			token, err := c.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			if err := opts.saveToken(token); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.newClient()
			if c.Token() != "" {
				if err := c.Logout(cmd.Context()); err != nil {
					return err
				}
			}
			return opts.saveToken("")
		},
	}
}
