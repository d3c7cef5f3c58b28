// cmd/ark/sched.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmp/ark/sched"
	"github.com/mmp/ark/walk"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// taskConfig is one entry in the sched YAML file.
type taskConfig struct {
	Kind      string `yaml:"kind"` // "scheduled" or "realtime"
	Src       string `yaml:"src"`
	Dst       string `yaml:"dst"`
	Prefix    string `yaml:"prefix"`
	Interval  int    `yaml:"interval"` // seconds, scheduled only
	Keep      int    `yaml:"keep"`
	Password  string `yaml:"password"`
	Algorithm string `yaml:"algorithm"`

	Keywords []string `yaml:"keywords"`
	Regex    string   `yaml:"regex"`
	Suffixes []string `yaml:"suffixes"`
	MinSize  uint64   `yaml:"min_size"`
	MaxSize  uint64   `yaml:"max_size"`
	User     string   `yaml:"user"`
}

type schedConfig struct {
	Tasks []taskConfig `yaml:"tasks"`
}

func schedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sched",
		Short: "run recurring backup tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			var cfg schedConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("%s: %w", configPath, err)
			}
			if len(cfg.Tasks) == 0 {
				return fmt.Errorf("%s: no tasks defined", configPath)
			}

			s := sched.New(log)
			for i := range cfg.Tasks {
				if err := addTask(s, &cfg.Tasks[i]); err != nil {
					return err
				}
			}

			s.Start()
			defer s.Stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Print("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "tasks.yaml",
		"YAML file describing the tasks to run")
	return cmd
}

func addTask(s *sched.Scheduler, tc *taskConfig) error {
	var id int
	switch tc.Kind {
	case "scheduled":
		if tc.Interval <= 0 {
			return fmt.Errorf("task %q: scheduled tasks need a positive interval", tc.Prefix)
		}
		id = s.AddScheduledTask(tc.Src, tc.Dst, tc.Prefix, tc.Interval, tc.Keep)
	case "realtime":
		id = s.AddRealtimeTask(tc.Src, tc.Dst, tc.Prefix, tc.Keep)
	default:
		return fmt.Errorf("task %q: unknown kind %q", tc.Prefix, tc.Kind)
	}

	if tc.Password != "" {
		s.SetTaskPassword(id, tc.Password)
	}
	if tc.Algorithm != "" {
		algo, err := parseAlgorithm(tc.Algorithm)
		if err != nil {
			return fmt.Errorf("task %q: %w", tc.Prefix, err)
		}
		if err := s.SetTaskCompressionAlgorithm(id, int(algo)); err != nil {
			return err
		}
	}
	if len(tc.Keywords) > 0 || tc.Regex != "" || len(tc.Suffixes) > 0 ||
		tc.MinSize > 0 || tc.MaxSize > 0 || tc.User != "" {
		s.SetTaskFilter(id, walk.Filter{
			NameKeywords: tc.Keywords,
			NameRegex:    tc.Regex,
			Suffixes:     tc.Suffixes,
			MinSize:      tc.MinSize,
			MaxSize:      tc.MaxSize,
			UserName:     tc.User,
		})
	}
	return nil
}
