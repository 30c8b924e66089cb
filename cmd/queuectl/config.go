package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"queuectl/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Show or change persisted settings",
	}

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				v, ok := cfg.Get(args[0])
				if !ok {
					return unknownKey(args[0])
				}
				fmt.Fprintf(a.out, "%s: %s\n", args[0], v)
				return nil
			}
			for _, k := range config.Keys() {
				v, _ := cfg.Get(k)
				fmt.Fprintf(a.out, "%s: %s\n", k, v)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting to the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			cfg, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			if _, ok := cfg.Get(key); !ok {
				return unknownKey(key)
			}
			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			values, err := config.ReadFile(a.configPath)
			if err != nil {
				return err
			}
			values[key] = value
			if err := config.WriteFile(a.configPath, values); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Config updated: %s = %s\n", key, value)
			return nil
		},
	}

	c.AddCommand(get, set)
	return c
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key %q (available: %s)", key, strings.Join(config.Keys(), ", "))
}
