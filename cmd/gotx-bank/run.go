package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/config"
	"github.com/xiaoxuxiansheng/gotx/example"
	"github.com/xiaoxuxiansheng/gotx/log"
)

var (
	configPath     string
	backendArg     string
	accountsArg    int
	transfersArg   int
	concurrencyArg int
	metricsAddr    string
)

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run random transfers between accounts and verify the total balance",
		RunE:  runCommandFunc,
	}
	m.Flags().StringVarP(&configPath, "config", "c", "", "path of the toml config file")
	m.Flags().StringVar(&backendArg, "backend", "", "storage backend: memory, mysql or redis")
	m.Flags().IntVar(&accountsArg, "accounts", 0, "number of accounts")
	m.Flags().IntVar(&transfersArg, "transfers", 0, "number of transfers")
	m.Flags().IntVarP(&concurrencyArg, "concurrency", "T", 0, "number of concurrent workers")
	m.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return m
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("backend") {
		c.Backend = backendArg
	}
	if cmd.Flags().Changed("accounts") {
		c.Bank.Accounts = accountsArg
	}
	if cmd.Flags().Changed("transfers") {
		c.Bank.Transfers = transfersArg
	}
	if cmd.Flags().Changed("concurrency") {
		c.Bank.Concurrency = concurrencyArg
	}
	return c, c.Validate()
}

func runCommandFunc(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(c.LogOptions()...)))
	for _, msg := range c.WarningMsgs {
		log.Warnf("%s", msg)
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics server stopped, err: %v", err)
			}
		}()
	}

	return runBank(cmd.Context(), c, cmd.OutOrStdout())
}

type report struct {
	committed atomic.Int64
	rejected  atomic.Int64
	aborted   atomic.Int64
	unknown   atomic.Int64
}

func (r *report) observe(err error) {
	switch {
	case err == nil:
		r.committed.Inc()
	case errors.Is(err, example.ErrInsufficientBalance):
		r.rejected.Inc()
	case gotx.StatusOf(err).IsDefinitelyAborted():
		r.aborted.Inc()
	default:
		r.unknown.Inc()
		log.Warnf("transfer outcome unknown, err: %v", err)
	}
}

// runBank 建立账户、并发转账，最后校验余额总数守恒
func runBank(ctx context.Context, c *config.Config, out io.Writer) error {
	stores, err := newStores(c)
	if err != nil {
		return err
	}

	names := make([]string, 0, c.Bank.Accounts)
	for i := 0; i < c.Bank.Accounts; i++ {
		names = append(names, "acc"+cast.ToString(i))
	}
	dir := gotx.NewDirectory()
	bank, err := example.NewBank(dir, dir, names, stores, c.AgentOptions(), c.StateOptions()...)
	if err != nil {
		return err
	}
	defer func() {
		_ = bank.Close(context.Background())
	}()

	before, err := bank.Total(ctx)
	if err != nil {
		return errors.Wrap(err, "read initial balances")
	}
	if before == 0 && c.Bank.InitialBalance > 0 {
		if err := bank.Fund(ctx, c.Bank.InitialBalance); err != nil {
			return err
		}
		before = c.Bank.InitialBalance * int64(len(names))
	}

	var (
		wg      sync.WaitGroup
		r       report
		next    atomic.Int64
		started = time.Now()
	)
	for w := 0; w < c.Bank.Concurrency; w++ {
		wg.Add(1)
		rnd := rand.New(rand.NewSource(started.UnixNano() + int64(w)))
		go func() {
			defer wg.Done()
			for next.Inc() <= int64(c.Bank.Transfers) && ctx.Err() == nil {
				from := names[rnd.Intn(len(names))]
				to := names[rnd.Intn(len(names))]
				for to == from {
					to = names[rnd.Intn(len(names))]
				}
				amount := rnd.Int63n(c.Bank.MaxAmount) + 1
				r.observe(bank.TransferWithRetry(ctx, from, to, amount))
			}
		}()
	}
	wg.Wait()

	balances, err := finalBalances(bank)
	if err != nil {
		return errors.Wrap(err, "read final balances")
	}
	var after int64
	for _, name := range bank.Names() {
		fmt.Fprintf(out, "%-8s %d\n", name, balances[name])
		after += balances[name]
	}
	fmt.Fprintf(out, "committed: %d, rejected: %d, aborted: %d, unknown: %d, takes %s\n",
		r.committed.Load(), r.rejected.Load(), r.aborted.Load(), r.unknown.Load(), time.Since(started))
	fmt.Fprintf(out, "audit entries: %d\n", len(bank.AuditLog().Entries()))

	if after != before {
		return errors.Errorf("total balance changed: %d -> %d", before, after)
	}
	fmt.Fprintf(out, "total balance %d preserved\n", after)
	return nil
}

// finalBalances 等待未确认的提交落地后读取余额
func finalBalances(bank *example.Bank) (map[string]int64, error) {
	var (
		balances map[string]int64
		err      error
	)
	for i := 0; i < 10; i++ {
		if balances, err = bank.Balances(context.Background()); err == nil {
			return balances, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, err
}
