package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/AdityaR0811/flam/internal/domain"
	"github.com/AdityaR0811/flam/internal/store"
	"github.com/AdityaR0811/flam/internal/supervisor"
)

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, a.cfg.DBPath)
}

func (a *app) cmdInit(ctx context.Context) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("initialized %s\n", a.cfg.DBPath)
	return nil
}

func (a *app) cmdEnqueue(ctx context.Context, args []string) error {
	fs := newFlagSet("enqueue")
	id := fs.String("id", "", "job id (generated if empty)")
	priority := fs.Int("priority", 0, "priority, higher runs first")
	runAt := fs.String("run-at", "", "earliest start time (RFC 3339 UTC)")
	timeoutS := fs.Int("timeout", -1, "per-job timeout in seconds (0 = use global)")
	maxRetries := fs.Int("max-retries", -1, "max retry attempts")
	backoffBase := fs.Float64("backoff-base", 0, "exponential backoff base (> 1)")
	file := fs.String("file", "", "JSON payload file: one object or an array (bulk)")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var specs []*domain.EnqueueSpec
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
		specs, err = domain.ParseEnqueueSpecs(data)
		if err != nil {
			return err
		}
	} else {
		if fs.NArg() == 0 {
			return usageErr("enqueue needs a command or --file")
		}
		spec := &domain.EnqueueSpec{
			ID:       *id,
			Command:  joinCommand(fs.Args()),
			Priority: *priority,
		}
		if *runAt != "" {
			t, err := time.Parse(time.RFC3339, *runAt)
			if err != nil {
				return domain.ValidationError{Field: "run_at", Reason: "must be RFC 3339"}
			}
			spec.RunAt = &domain.RFCTime{Time: t.UTC()}
		}
		if *timeoutS >= 0 {
			spec.TimeoutS = timeoutS
		}
		if *maxRetries >= 0 {
			spec.MaxRetries = maxRetries
		}
		if *backoffBase != 0 {
			spec.BackoffBase = backoffBase
		}
		if err := spec.Validate(); err != nil {
			return err
		}
		specs = []*domain.EnqueueSpec{spec}
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var ids []string
	for _, spec := range specs {
		id, err := st.Enqueue(ctx, spec, time.Now().UTC())
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	if *jsonOut {
		return json.NewEncoder(os.Stdout).Encode(ids)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	state := fs.String("state", "", "filter by state")
	readyOnly := fs.Bool("pending-ready-only", false, "only pending jobs whose run_at has passed")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	filter := store.ListFilter{ReadyOnly: *readyOnly, Now: time.Now().UTC()}
	if *state != "" {
		js := domain.JobState(*state)
		if !js.Valid() {
			return usageErr("unknown state %q", *state)
		}
		filter.State = js
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.List(ctx, filter)
	if err != nil {
		return err
	}

	if *jsonOut {
		if jobs == nil {
			jobs = []*domain.Job{}
		}
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tATTEMPTS\tRUN AT\tCOMMAND")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			j.ID, j.State, j.Priority, j.Attempts,
			j.RunAt.Format(time.RFC3339), truncate(j.Command, 60))
	}
	return w.Flush()
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	fs := newFlagSet("status")
	jsonOut := fs.Bool("json", false, "emit JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	workers, err := st.ListWorkers(ctx)
	if err != nil {
		return err
	}

	if *jsonOut {
		if workers == nil {
			workers = []domain.WorkerInfo{}
		}
		return json.NewEncoder(os.Stdout).Encode(struct {
			Jobs    *domain.Stats       `json:"jobs"`
			Workers []domain.WorkerInfo `json:"workers"`
		}{stats, workers})
	}

	fmt.Printf("jobs: pending=%d processing=%d completed=%d failed=%d dead=%d\n",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Dead)
	if len(workers) == 0 {
		fmt.Println("workers: none registered")
		return nil
	}
	fmt.Printf("workers: %d registered\n", len(workers))
	for _, w := range workers {
		fmt.Printf("  %s pid=%d heartbeat=%s ago\n",
			w.WorkerID, w.PID, time.Since(w.LastHeartbeat).Round(time.Second))
	}
	return nil
}

func (a *app) cmdLogs(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageErr("logs needs exactly one job id")
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("job %s state=%s attempts=%d\n", job.ID, job.State, job.Attempts)
	if job.ExitCode != nil {
		fmt.Printf("exit code: %d\n", *job.ExitCode)
	}
	if job.LastError != "" {
		fmt.Printf("last error: %s\n", job.LastError)
	}
	if job.StdoutTail != "" {
		fmt.Printf("--- stdout (tail) ---\n%s\n", job.StdoutTail)
	}
	if job.StderrTail != "" {
		fmt.Printf("--- stderr (tail) ---\n%s\n", job.StderrTail)
	}
	return nil
}

func (a *app) cmdWorker(ctx context.Context, args []string) error {
	sub, rest := splitSub(args)
	switch sub {
	case "start":
		fs := newFlagSet("worker start")
		count := fs.Int("count", 1, "number of worker processes")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}

		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sup := supervisor.New(st, a.cfg.DBPath, a.cfg.LogDir)
		workers, err := sup.Start(ctx, *count)
		if err != nil {
			return err
		}
		for _, w := range workers {
			fmt.Printf("started %s pid=%d\n", w.WorkerID, w.PID)
		}
		return nil

	case "stop":
		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sup := supervisor.New(st, a.cfg.DBPath, a.cfg.LogDir)
		return sup.Stop(ctx)

	default:
		return usageErr("worker needs start or stop")
	}
}

func (a *app) cmdDLQ(ctx context.Context, args []string) error {
	sub, rest := splitSub(args)
	switch sub {
	case "list":
		fs := newFlagSet("dlq list")
		jsonOut := fs.Bool("json", false, "emit JSON")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}

		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.DLQList(ctx)
		if err != nil {
			return err
		}

		if *jsonOut {
			if jobs == nil {
				jobs = []*domain.Job{}
			}
			return json.NewEncoder(os.Stdout).Encode(jobs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tATTEMPTS\tLAST ERROR\tCOMMAND")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				j.ID, j.Attempts, truncate(j.LastError, 40), truncate(j.Command, 40))
		}
		return w.Flush()

	case "retry":
		if len(rest) != 1 {
			return usageErr("dlq retry needs exactly one job id")
		}

		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DLQRetry(ctx, rest[0], time.Now().UTC()); err != nil {
			return err
		}
		fmt.Printf("re-queued %s\n", rest[0])
		return nil

	default:
		return usageErr("dlq needs list or retry")
	}
}

func (a *app) cmdConfig(ctx context.Context, args []string) error {
	sub, rest := splitSub(args)
	switch sub {
	case "get":
		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(rest) == 1 {
			value, err := st.GetSetting(ctx, rest[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		if len(rest) > 1 {
			return usageErr("config get takes at most one key")
		}

		settings, err := st.AllSettings(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, key := range []string{"max_retries", "backoff_base", "poll_interval_ms", "lock_timeout_s", "job_timeout_s", "max_backoff_s"} {
			fmt.Fprintf(w, "%s\t%s\n", key, settings[key])
		}
		return w.Flush()

	case "set":
		if len(rest) != 2 {
			return usageErr("config set needs a key and a value")
		}

		st, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetSetting(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", rest[0], rest[1])
		return nil

	default:
		return usageErr("config needs get or set")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
