package main

import (
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/annika-hq/plannersync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "inspect",
	Short:   "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s := redacted(settings)
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), s)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	},
}

func redacted(s config.Settings) config.Settings {
	if s.Graph.ClientSecret != "" {
		s.Graph.ClientSecret = "********"
	}
	if u, err := url.Parse(s.Redis.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			s.Redis.URL = u.String()
		}
	}
	if s.Webhook.ClientState != "" {
		s.Webhook.ClientState = "********"
	}
	return s
}
