package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/report"
)

var reportProject string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "生成报告、装订册与导出包",
}

// projectRunE 包装需要已存在项目的报告子命令。
func projectRunE(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, reportProject); err != nil {
			return err
		}
		return fn(cmd, e, args)
	}
}

var reportRenderOpts struct {
	step     string
	snapshot string
}

var reportRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "把步骤快照渲染为 PDF",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		art, err := e.reports.RenderSnapshot(cmd.Context(), reportProject, reportRenderOpts.step, reportRenderOpts.snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("已生成"), art.Path)
		return nil
	}),
}

var reportBinderCmd = &cobra.Command{
	Use:   "binder",
	Short: "合并每个步骤最新的 PDF 报告",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		res, err := e.reports.BuildBinder(cmd.Context(), reportProject)
		out := cmd.OutOrStdout()
		if err != nil {
			if res.Status != "" {
				fmt.Fprintln(out, yellow("装订状态:"), res.Status)
			}
			return err
		}
		fmt.Fprintf(out, "%s %s (%d 份报告)\n", green("已装订"), res.Binder.Path, res.IncludedCount)
		for _, s := range res.Skipped {
			fmt.Fprintln(out, "  ", yellow("跳过:"), s)
		}
		return nil
	}),
}

var reportBundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "导出项目 zip 包",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		res, err := e.reports.Bundle(cmd.Context(), reportProject)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d 个文件)\n", green("已导出"), res.Path, len(res.Summary.Files))
		return nil
	}),
}

var reportSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "生成项目汇总 DOCX",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		art, err := e.reports.SummaryDocument(cmd.Context(), reportProject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("已生成"), art.Path)
		return nil
	}),
}

var reportWorkbookCmd = &cobra.Command{
	Use:   "workbook",
	Short: "生成项目数据 XLSX",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		art, err := e.reports.Workbook(cmd.Context(), reportProject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("已生成"), art.Path)
		return nil
	}),
}

var reportCertificateCmd = &cobra.Command{
	Use:   "certificate <request.json>",
	Short: "根据 JSON 请求生成分析证书 (CoA)",
	Args:  cobra.ExactArgs(1),
	RunE: projectRunE(func(cmd *cobra.Command, e *env, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取证书请求失败")
		}
		var req report.CertificateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "证书请求不是合法 JSON")
		}
		res, err := e.reports.Certificate(cmd.Context(), reportProject, req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, green("已生成"), res.Document.Path)
		fmt.Fprintln(out, green("已生成"), res.PDF.Path)
		return nil
	}),
}

var reportRepairDryRun bool

var reportRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "登记 reports 目录中未登记的 PDF",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		res, err := e.reports.Repair(cmd.Context(), reportProject, reportRepairDryRun)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch res.Status {
		case report.RepairClean:
			fmt.Fprintln(out, green("清单完整，无需修复"))
			return nil
		case report.RepairDryRun:
			fmt.Fprintf(out, "%s 将登记 %d 份报告\n", yellow("预演:"), res.Added)
		default:
			fmt.Fprintf(out, "%s 已登记 %d 份报告\n", green("修复完成:"), res.Added)
		}
		for _, f := range res.Files {
			fmt.Fprintf(out, "  [%s] %s\n", f.Step, f.Path)
		}
		return nil
	}),
}

var reportProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "显示协议步骤完成情况",
	Args:  cobra.NoArgs,
	RunE: projectRunE(func(cmd *cobra.Command, e *env, _ []string) error {
		p, err := e.reports.Progress(reportProject)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range p.Steps {
			mark := red("✗")
			if s.Present {
				mark = green("✓")
			}
			fmt.Fprintf(out, "%s %-22s 快照 %d  报告 %d\n", mark, s.Label, s.Snapshots, s.Reports)
		}
		fmt.Fprintf(out, "%s %.0f%%\n", bold("完成度:"), p.Completion*100)
		return nil
	}),
}

func init() {
	reportCmd.PersistentFlags().StringVarP(&reportProject, "project", "p", "", "项目 ID")
	_ = reportCmd.MarkPersistentFlagRequired("project")

	reportRenderCmd.Flags().StringVarP(&reportRenderOpts.step, "step", "s", "", "协议步骤")
	reportRenderCmd.Flags().StringVar(&reportRenderOpts.snapshot, "snapshot", "", "指定快照路径，默认使用最新快照")
	_ = reportRenderCmd.MarkFlagRequired("step")
	reportRepairCmd.Flags().BoolVar(&reportRepairDryRun, "dry-run", false, "只列出将要登记的文件")

	reportCmd.AddCommand(
		reportRenderCmd,
		reportBinderCmd,
		reportBundleCmd,
		reportSummaryCmd,
		reportWorkbookCmd,
		reportCertificateCmd,
		reportRepairCmd,
		reportProgressCmd,
	)
}
