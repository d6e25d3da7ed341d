package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"AssuredChain/internal/anchor"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/observability/alerting"
	"AssuredChain/internal/snapshot"
	"AssuredChain/internal/web3"
	"AssuredChain/internal/web3/provider"
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "把摘要锚定到链上登记合约",
}

var anchorOpts struct {
	project string
	step    string
	digest  string
	file    string
}

var anchorSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "同步锚定摘要；未给出 --digest 或 --file 时使用该步骤最新的快照",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := requireProject(e, anchorOpts.project); err != nil {
			return err
		}
		req := anchor.Request{ProjectID: anchorOpts.project, Step: anchorOpts.step, Digest: anchorOpts.digest}
		switch {
		case req.Digest != "":
		case anchorOpts.file != "":
			digest, err := snapshot.Digest(anchorOpts.file)
			if err != nil {
				return err
			}
			req.Digest = digest
			req.SourcePath = anchorOpts.file
			req.MetadataURI = snapshot.FileURI(anchorOpts.file)
		default:
			entry, _, err := e.snapshots.Latest(anchorOpts.project, anchorOpts.step)
			if err != nil {
				return err
			}
			req.Digest = entry.Digest
			req.SourcePath = entry.Path
			req.MetadataURI = snapshot.FileURI(entry.Path)
		}
		job, err := anchorSync(cmd, e, req)
		if err != nil {
			return err
		}
		printJob(cmd.OutOrStdout(), job)
		return nil
	},
}

// anchorSync 在进程内用内存队列运行一次锚定并等待结果。
func anchorSync(cmd *cobra.Command, e *env, req anchor.Request) (*anchor.Job, error) {
	ctx := cmd.Context()
	chains, chain, err := openChain(ctx, e)
	if err != nil {
		return nil, err
	}
	defer chains.Close()
	if chain == nil {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "未配置区块链节点，请设置 WEB3_PROVIDER_URL 或 chain_config")
	}
	repo, err := ledger.Open(ctx, e.cfg.Storage.Ledger, e.cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	store := anchor.NewMemoryStore()
	queue := anchor.NewMemoryQueue(4)
	retries := e.cfg.Storage.AnchorStore.Retries
	svc := anchor.NewService(store, queue, retries, anchor.WithProjects(e.projects))
	defer svc.Close()
	processor := anchor.NewProcessor(chain, store, queue, queue,
		anchor.WithRecoveryHandler(&anchor.LedgerRecovery{Ledger: repo}),
		anchor.WithAlertDispatcher(alerting.FromConfig(e.cfg.Observability.Alerting)),
		anchor.WithProjectStore(e.projects),
		anchor.WithLedger(repo),
	)

	timeout := e.cfg.Web3.ReceiptTimeout()*time.Duration(retries) + 30*time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() { _ = processor.Start(runCtx) }()

	job, err := svc.Submit(runCtx, req)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "已提交锚定任务 %s，等待上链...\n", job.ID)
	done, err := svc.WaitUntilCompleted(runCtx, job.ID, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if done.Status != anchor.StatusSucceeded {
		return done, xerrors.New(xerrors.Code(done.ErrorCode), "锚定失败: "+done.LastError)
	}
	return done, nil
}

// openChain 返回默认链客户端，未配置任何链时客户端为 nil。
func openChain(ctx context.Context, e *env) (*provider.Registry, web3.Anchorer, error) {
	chains, err := provider.NewRegistry(ctx, e.cfg.Web3)
	if err != nil {
		return nil, nil, err
	}
	client, err := chains.Default()
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeChainNotConfigured {
			return chains, nil, nil
		}
		chains.Close()
		return nil, nil, err
	}
	return chains, client, nil
}

func printJob(w io.Writer, job *anchor.Job) {
	if job == nil {
		return
	}
	status := string(job.Status)
	switch job.Status {
	case anchor.StatusSucceeded:
		status = green(status)
	case anchor.StatusFailed:
		status = red(status)
	default:
		status = yellow(status)
	}
	fmt.Fprintf(w, "%s %s [%s] 尝试 %d/%d\n", bold("任务:"), job.ID, status, job.Attempts, job.MaxRetries)
	if r := job.Result; r != nil {
		fmt.Fprintf(w, "%s %s\n", bold("交易:"), r.TxHash)
		fmt.Fprintf(w, "%s %s (chain %s, entry %s, block %d)\n", bold("合约:"), r.Contract, r.ChainID, r.EntryID, r.BlockNumber)
		if r.ProofPath != "" {
			fmt.Fprintf(w, "%s %s\n", bold("凭证:"), r.ProofPath)
		}
		if r.Recovered {
			fmt.Fprintln(w, yellow("结果复用了账本中已有的锚定记录"))
		}
	}
	if job.LastError != "" {
		fmt.Fprintf(w, "%s %s\n", red("错误:"), job.LastError)
	}
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "查看本地账本与链上登记",
}

var ledgerLimit int

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出本地账本中最近的锚定记录",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		repo, err := ledger.Open(cmd.Context(), e.cfg.Storage.Ledger, e.cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer repo.Close()
		records, err := repo.ListLatest(cmd.Context(), ledgerLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, yellow("账本为空"))
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
				time.Unix(r.CreatedAt, 0).UTC().Format(time.RFC3339), r.ProjectID, r.Step, r.Digest, r.TxHash)
		}
		return nil
	},
}

var ledgerOnChainCmd = &cobra.Command{
	Use:   "onchain",
	Short: "读取登记合约中的全部条目",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		chains, chain, err := openChain(cmd.Context(), e)
		if err != nil {
			return err
		}
		defer chains.Close()
		if chain == nil {
			return xerrors.New(xerrors.CodeChainNotConfigured, "未配置区块链节点")
		}
		entries, err := chain.Entries(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, en := range entries {
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n",
				en.ID, time.Unix(en.Timestamp, 0).UTC().Format(time.RFC3339), en.Step, en.ContentHash, en.Submitter)
		}
		fmt.Fprintf(out, "%s %d\n", bold("条目数:"), len(entries))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "计算文件摘要并检查账本与链上是否已锚定",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		digest, err := snapshot.Digest(args[0])
		if err != nil {
			return err
		}
		repo, err := ledger.Open(cmd.Context(), e.cfg.Storage.Ledger, e.cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer repo.Close()
		chains, chain, err := openChain(cmd.Context(), e)
		if err != nil {
			return err
		}
		defer chains.Close()

		res, err := anchor.NewVerifier(repo, chain).Verify(cmd.Context(), digest)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", bold("摘要:"), res.Digest)
		if res.Anchored {
			fmt.Fprintln(out, green("✓ 已锚定"))
		} else {
			fmt.Fprintln(out, red("✗ 未锚定"))
		}
		for _, r := range res.Ledger {
			fmt.Fprintf(out, "  账本: %s/%s tx %s\n", r.ProjectID, r.Step, r.TxHash)
		}
		for _, en := range res.OnChain {
			fmt.Fprintf(out, "  链上: entry %d step %s submitter %s\n", en.ID, en.Step, en.Submitter)
		}
		if res.ChainError != "" {
			fmt.Fprintln(out, yellow("链上查询不可用:"), res.ChainError)
		}
		return nil
	},
}

func init() {
	f := anchorSubmitCmd.Flags()
	f.StringVarP(&anchorOpts.project, "project", "p", "", "项目 ID")
	f.StringVarP(&anchorOpts.step, "step", "s", "", "协议步骤")
	f.StringVar(&anchorOpts.digest, "digest", "", "要锚定的 SHA-256 摘要")
	f.StringVar(&anchorOpts.file, "file", "", "计算该文件的摘要后锚定")
	_ = anchorSubmitCmd.MarkFlagRequired("project")
	_ = anchorSubmitCmd.MarkFlagRequired("step")
	anchorSubmitCmd.MarkFlagsMutuallyExclusive("digest", "file")
	anchorCmd.AddCommand(anchorSubmitCmd)

	ledgerListCmd.Flags().IntVarP(&ledgerLimit, "limit", "n", 20, "最多显示的记录数")
	ledgerCmd.AddCommand(ledgerListCmd, ledgerOnChainCmd)
}
