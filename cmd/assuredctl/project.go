package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "管理项目与清单",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出全部项目",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ids, err := e.projects.ListProjects()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, yellow("没有项目"))
			return nil
		}
		for _, id := range ids {
			meta, err := e.projects.Meta(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%v\t%v\n", bold(id), meta["project_name"], meta["status"])
		}
		return nil
	},
}

var projectMetaFlags []string

var projectCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "创建项目，可用 --meta key=value 设置元数据",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		meta, err := parseAssignments(projectMetaFlags)
		if err != nil {
			return err
		}
		if _, err := e.projects.CreateProject(args[0], meta); err != nil {
			return err
		}
		if err := e.projects.AppendAudit(args[0], manifest.AuditEntry{Action: "project_created", Actor: "cli"}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("已创建项目"), args[0])
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "打印项目清单",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, args[0]); err != nil {
			return err
		}
		m, err := e.projects.Load(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var projectMetaCmd = &cobra.Command{
	Use:   "meta <id> key=value...",
	Short: "深度合并元数据，值按 JSON 解析，失败时作为字符串；键可用点号表示嵌套",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, args[0]); err != nil {
			return err
		}
		updates, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		meta, err := e.projects.UpdateMeta(args[0], updates)
		if err != nil {
			return err
		}
		if err := e.projects.AppendAudit(args[0], manifest.AuditEntry{Action: "meta_updated", Actor: "cli"}); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), meta)
	},
}

func init() {
	projectCreateCmd.Flags().StringArrayVar(&projectMetaFlags, "meta", nil, "元数据 key=value，可重复")
	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectShowCmd, projectMetaCmd)
}

func requireProject(e *env, id string) error {
	if err := manifest.ValidateProjectID(id); err != nil {
		return err
	}
	if !e.projects.Exists(id) {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", id))
	}
	return nil
}

// parseAssignments 把 a.b=value 形式的参数转为嵌套 map。
func parseAssignments(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %q 不是 key=value 形式", pair))
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		parts := strings.Split(key, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out, nil
}
