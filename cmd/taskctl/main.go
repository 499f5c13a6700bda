// Command taskctl is a terminal client for the taskboard API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"taskboard/client"
)

var Version = "dev"

const (
	defaultURL = "http://localhost:3000"
	tokenFile  = ".taskctl-token"
)

type options struct {
	url       string
	tokenPath string
	jsonOut   bool
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "taskctl",
		Short:         "taskctl - manage and watch a taskboard",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", envOr("TASKBOARD_URL", defaultURL), "API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.tokenPath, "token-file", defaultTokenPath(), "Where the session token is kept")
	rootCmd.PersistentFlags().BoolVarP(&opts.jsonOut, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(registerCmd(opts))
	rootCmd.AddCommand(loginCmd(opts))
	rootCmd.AddCommand(logoutCmd(opts))
	rootCmd.AddCommand(listCmd(opts))
	rootCmd.AddCommand(getCmd(opts))
	rootCmd.AddCommand(createCmd(opts))
	rootCmd.AddCommand(updateCmd(opts))
	rootCmd.AddCommand(deleteCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))
	rootCmd.AddCommand(loadCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return tokenFile
	}
	return filepath.Join(home, tokenFile)
}

// newClient builds a client carrying the saved token. TASKBOARD_TOKEN wins
// over the token file.
func (o *options) newClient() *client.Client {
	token := strings.TrimSpace(os.Getenv("TASKBOARD_TOKEN"))
	if token == "" {
		if data, err := os.ReadFile(o.tokenPath); err == nil {
			token = strings.TrimSpace(string(data))
		}
	}
	return client.New(o.url, token)
}

func (o *options) saveToken(token string) error {
	if token == "" {
		if err := os.Remove(o.tokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(o.tokenPath, []byte(token+"\n"), 0o600)
}
