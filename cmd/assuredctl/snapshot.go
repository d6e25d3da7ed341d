package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"AssuredChain/internal/anchor"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/protocol"
	"AssuredChain/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "保存步骤快照",
}

var snapshotOpts struct {
	project string
	step    string
	file    string
	author  string
	set     []string
	meta    []string
	anchor  bool
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "从 JSON 文件(或 - 表示标准输入)与 --set 参数保存快照并检查就绪状态",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, snapshotOpts.project); err != nil {
			return err
		}
		payload, err := readPayload(cmd.InOrStdin(), snapshotOpts.file)
		if err != nil {
			return err
		}
		extra, err := parseAssignments(snapshotOpts.set)
		if err != nil {
			return err
		}
		for k, v := range extra {
			payload[k] = v
		}
		metaUpdates, err := parseAssignments(snapshotOpts.meta)
		if err != nil {
			return err
		}

		res, err := e.snapshots.Save(cmd.Context(), snapshot.SaveRequest{
			ProjectID:   snapshotOpts.project,
			Step:        snapshotOpts.step,
			Author:      snapshotOpts.author,
			Payload:     payload,
			MetaUpdates: metaUpdates,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", bold("快照:"), res.Path)
		fmt.Fprintf(out, "%s %s\n", bold("摘要:"), res.Digest)
		printReadiness(out, res.Readiness)

		if !snapshotOpts.anchor {
			return nil
		}
		job, err := anchorSync(cmd, e, anchor.Request{
			ProjectID:   snapshotOpts.project,
			Step:        snapshotOpts.step,
			Digest:      res.Digest,
			MetadataURI: res.MetadataURI,
			SourcePath:  res.Path,
		})
		if err != nil {
			return err
		}
		printJob(out, job)
		return nil
	},
}

var uploadOpts struct {
	project string
	step    string
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "把附件保存到项目 uploads 目录并登记",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, uploadOpts.project); err != nil {
			return err
		}
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "打开文件失败")
			}
			up, err := e.snapshots.SaveUpload(cmd.Context(), uploadOpts.project, uploadOpts.step, filepath.Base(path), f)
			f.Close()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (%d bytes)\n", green("已上传"), up.Filename, up.StoredAs, up.Size)
		}
		return nil
	},
}

func init() {
	f := snapshotSaveCmd.Flags()
	f.StringVarP(&snapshotOpts.project, "project", "p", "", "项目 ID")
	f.StringVarP(&snapshotOpts.step, "step", "s", "", "协议步骤")
	f.StringVarP(&snapshotOpts.file, "file", "f", "", "快照内容 JSON 文件")
	f.StringVar(&snapshotOpts.author, "author", "cli", "作者")
	f.StringArrayVar(&snapshotOpts.set, "set", nil, "额外字段 key=value，可重复")
	f.StringArrayVar(&snapshotOpts.meta, "meta", nil, "同时合并到项目元数据的 key=value")
	f.BoolVar(&snapshotOpts.anchor, "anchor", false, "保存后立即锚定摘要")
	_ = snapshotSaveCmd.MarkFlagRequired("project")
	_ = snapshotSaveCmd.MarkFlagRequired("step")
	snapshotCmd.AddCommand(snapshotSaveCmd)

	uploadCmd.Flags().StringVarP(&uploadOpts.project, "project", "p", "", "项目 ID")
	uploadCmd.Flags().StringVarP(&uploadOpts.step, "step", "s", protocol.StepMisc, "协议步骤")
	_ = uploadCmd.MarkFlagRequired("project")
}

func readPayload(stdin io.Reader, path string) (map[string]any, error) {
	payload := map[string]any{}
	if path == "" {
		return payload, nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取快照内容失败")
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "快照内容不是 JSON 对象")
	}
	return payload, nil
}

func printReadiness(w io.Writer, r protocol.Readiness) {
	if r.Ready {
		fmt.Fprintln(w, green("✓ 就绪"))
	} else {
		fmt.Fprintln(w, red("✗ 未就绪"))
	}
	for _, issue := range r.Issues {
		fmt.Fprintln(w, "  ", red("问题:"), issue)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintln(w, "  ", yellow("提示:"), warn)
	}
}
