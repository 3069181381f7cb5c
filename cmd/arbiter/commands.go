package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
	"github.com/CZERTAINLY/Arbiter/internal/log"
	"github.com/CZERTAINLY/Arbiter/internal/notify"
	"github.com/CZERTAINLY/Arbiter/internal/scan"
	"github.com/CZERTAINLY/Arbiter/internal/service"
	"github.com/CZERTAINLY/Arbiter/internal/task"
)

var (
	flagAsync bool

	flagThreads      int
	flagPointerSize  int
	flagStart        uint64
	flagEnd          uint64
	flagAlignment    uint64
	flagMinScore     uint32
	flagMinStringLen uint32

	flagLevel int
	flagLogic string

	flagWorkers int
	flagRounds  int
)

func init() {
	cmdCmd.Flags().BoolVar(&flagAsync, "async", false, "run every command as a task")

	basefindCmd.Flags().IntVar(&flagThreads, "threads", 0, "search threads (0 is one per cpu)")
	basefindCmd.Flags().IntVar(&flagPointerSize, "pointer-size", 0, "pointer size in bits: 32 or 64 (0 is 32)")
	basefindCmd.Flags().Uint64Var(&flagStart, "start", 0, "lowest candidate base address")
	basefindCmd.Flags().Uint64Var(&flagEnd, "end", 0, "candidate base addresses end")
	basefindCmd.Flags().Uint64Var(&flagAlignment, "alignment", 0, "candidate alignment")
	basefindCmd.Flags().Uint32Var(&flagMinScore, "min-score", 0, "minimal score reported")
	basefindCmd.Flags().Uint32Var(&flagMinStringLen, "min-string-len", 0, "minimal length of a referenced string")

	bindiffCmd.Flags().IntVar(&flagLevel, "level", 0, "analysis level 0-2")
	bindiffCmd.Flags().StringVar(&flagLogic, "logic", "", "compare logic: functions or blocks")

	stressCmd.Flags().IntVar(&flagWorkers, "workers", 0, "concurrent goroutines")
	stressCmd.Flags().IntVar(&flagRounds, "rounds", 0, "operations per goroutine")
}

var cmdCmd = &cobra.Command{
	Use:   "cmd IMAGE COMMAND...",
	Short: "run engine commands on a raw image",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doCmd,
}

var basefindCmd = &cobra.Command{
	Use:   "basefind IMAGE",
	Short: "guess the base address of a raw image",
	Args:  cobra.ExactArgs(1),
	RunE:  doBasefind,
}

var bindiffCmd = &cobra.Command{
	Use:   "bindiff IMAGE OTHER",
	Short: "compare the functions of two images",
	Args:  cobra.ExactArgs(2),
	RunE:  doBindiff,
}

var debugCmd = &cobra.Command{
	Use:   "debug IMAGE",
	Short: "run the image in the debugger from breakpoint to breakpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  doDebug,
}

var stressCmd = &cobra.Command{
	Use:    "stress IMAGE",
	Short:  "hammer the engine from many goroutines and check nobody entered it concurrently",
	Args:   cobra.ExactArgs(1),
	RunE:   doStress,
	Hidden: true,
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	return log.ContextAttrs(cmd.Context(), slog.Group("arbiter",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	))
}

func doCmd(cmd *cobra.Command, args []string) (err error) {
	ctx := cmdContext(cmd, "cmd")
	a, err := newApp(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()

	out := cmd.OutOrStdout()
	for _, line := range args[1:] {
		if !flagAsync {
			res, err := a.session.Cmd(ctx, line)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(out, res)
			continue
		}

		t := a.session.CmdTask(line)
		if !a.session.AsyncTask(service.CategoryAnalysis, t) {
			return fmt.Errorf("%s: analysis in progress", line)
		}
		if err := t.Join(ctx); err != nil {
			return err
		}
		if t.State() == task.Cancelled {
			return fmt.Errorf("%s: %w", line, context.Canceled)
		}
		if err := t.Err(); err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		_, _ = fmt.Fprint(out, t.Output())
		slog.DebugContext(ctx, "task done", "task", t.String(), "elapsed", t.Elapsed())
	}
	return nil
}

func basefindOptions(cmd *cobra.Command) engine.BasefindOptions {
	opts := cfg.Basefind.BasefindOptions
	flags := cmd.Flags()
	if flags.Changed("threads") {
		opts.MaxThreads = flagThreads
	}
	if flags.Changed("pointer-size") {
		opts.PointerSize = flagPointerSize
	}
	if flags.Changed("start") {
		opts.StartAddress = flagStart
	}
	if flags.Changed("end") {
		opts.EndAddress = flagEnd
	}
	if flags.Changed("alignment") {
		opts.Alignment = flagAlignment
	}
	if flags.Changed("min-score") {
		opts.MinScore = flagMinScore
	}
	if flags.Changed("min-string-len") {
		opts.MinStringLen = flagMinStringLen
	}
	return opts
}

func throttle(rps float64) []scan.Option {
	if rps <= 0 {
		return nil
	}
	return []scan.Option{scan.WithThrottle(rps, 1)}
}

// follow calls fn for every value piped from the scan until ch is closed,
// on its own goroutine. The returned channel is closed afterwards.
func follow[T any](ch <-chan T, fn func(T)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range ch {
			fn(v)
		}
	}()
	return done
}

// runScan runs w until it ends or ctx is cancelled, in which case the
// partial result is kept.
func runScan[O, P, R any](ctx context.Context, w *scan.Worker[O, P, R], opts O) (scan.Result[R], error) {
	defer w.Close()
	if err := w.Run(ctx, opts); err != nil {
		return scan.Result[R]{}, err
	}
	select {
	case <-w.Done():
	case <-ctx.Done():
		w.Cancel()
		w.Wait()
	}
	res := w.Results()
	return res, res.Err
}

func doBasefind(cmd *cobra.Command, args []string) (err error) {
	ctx := cmdContext(cmd, "basefind")
	a, err := newApp(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()

	w := scan.NewBasefind(a.handle, throttle(cfg.Basefind.ProgressRate)...)
	progress, stop := notify.Pipe(w.OnProgress, 16)
	followed := follow(progress, func(s engine.BasefindStatus) {
		slog.InfoContext(ctx, "basefind progress", "thread", s.Index, "percentage", s.Percentage)
	})
	res, err := runScan(ctx, w, basefindOptions(cmd))
	stop()
	<-followed
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range res.Items {
		_, _ = fmt.Fprintf(out, "0x%08x %d\n", s.Candidate, s.Score)
	}
	if res.Incomplete {
		_, _ = fmt.Fprintln(out, "# incomplete")
	}
	return nil
}

func doBindiff(cmd *cobra.Command, args []string) (err error) {
	ctx := cmdContext(cmd, "bindiff")
	a, err := newApp(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()

	opts := engine.DiffOptions{
		File:         args[1],
		Level:        cfg.BinDiff.Level,
		CompareLogic: cfg.BinDiff.CompareLogic,
	}
	if cmd.Flags().Changed("level") {
		opts.Level = flagLevel
	}
	if flagLogic != "" {
		opts.CompareLogic = flagLogic
	}

	w := scan.NewBinDiff(a.handle, throttle(cfg.BinDiff.ProgressRate)...)
	progress, stop := notify.Pipe(w.OnProgress, 16)
	followed := follow(progress, func(s engine.DiffStatus) {
		slog.InfoContext(ctx, "bindiff progress", "left", s.Left, "matched", s.Matched, "total", s.Total)
	})
	res, err := runScan(ctx, w.Worker, opts)
	stop()
	<-followed
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, m := range w.Matches() {
		_, _ = fmt.Fprintf(out, "%-8s %.3f %s 0x%x -> %s 0x%x\n", m.SimilarityType(), m.Similarity,
			m.Original.Name, m.Original.Offset, m.Modified.Name, m.Modified.Offset)
	}
	for _, f := range w.Mismatch(true) {
		_, _ = fmt.Fprintf(out, "-        %s 0x%x\n", f.Name, f.Offset)
	}
	for _, f := range w.Mismatch(false) {
		_, _ = fmt.Fprintf(out, "+        %s 0x%x\n", f.Name, f.Offset)
	}
	if res.Incomplete {
		_, _ = fmt.Fprintln(out, "# incomplete")
	}
	return nil
}

func doDebug(cmd *cobra.Command, args []string) (err error) {
	ctx := cmdContext(cmd, "debug")
	a, err := newApp(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()

	d := service.NewDebugger(a.session)
	out := cmd.OutOrStdout()
	control := d.Start
	for {
		t, ok := control()
		if !ok {
			return errors.New("debugger busy")
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			slog.InfoContext(ctx, "interrupted: stopping the debugger")
			return d.Stop(context.WithoutCancel(ctx))
		}
		if err := t.Err(); err != nil {
			return fmt.Errorf("%s: %w", t.Title(), err)
		}
		_, _ = fmt.Fprint(out, t.Output())
		if strings.HasPrefix(t.Output(), "process exited") {
			return nil
		}
		control = d.Continue
	}
}

func doStress(cmd *cobra.Command, args []string) (err error) {
	ctx := cmdContext(cmd, "stress")
	a, err := newApp(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()

	workers, rounds := cfg.Stress.Workers, cfg.Stress.Rounds
	if flagWorkers > 0 {
		workers = flagWorkers
	}
	if flagRounds > 0 {
		rounds = flagRounds
	}
	size := uint64(max(a.engine.Size(), 1))

	// every worker increments the counter in two halves; a torn update
	// would show up as a mismatch at the end
	var counter int
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			for j := range rounds {
				err := a.handle.Do(gctx, func(ctx context.Context, e engine.Engine) error {
					v := counter
					if err := a.handle.Do(ctx, func(context.Context, engine.Engine) error {
						return e.Seek(uint64(i*rounds+j)%size, false)
					}); err != nil {
						return err
					}
					counter = v + 1
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stats := a.handle.Stats()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "workers %d rounds %d counter %d acquisitions %d violations %d\n",
		workers, rounds, counter, stats.Acquisitions, a.engine.Violations())
	if counter != workers*rounds {
		return fmt.Errorf("torn counter: %d != %d", counter, workers*rounds)
	}
	return nil
}
