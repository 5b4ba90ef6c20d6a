package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/verkhohliad/chaos-oracle/internal/config"
)

var validateOnly bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "打印生效的配置（敏感字段已隐藏）",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("配置校验失败: %w", err)
		}
		if validateOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "配置有效")
			return nil
		}
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("序列化配置失败: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configCmd.Flags().BoolVar(&validateOnly, "validate", false, "只校验配置，不打印内容")
}
