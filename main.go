package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"f0oster/idsync/config"
	"f0oster/idsync/internal/app"
	"f0oster/idsync/logging"
	"f0oster/idsync/task"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one task to completion and prints its execution, or lists
// the catalog's tasks.
func run(args []string) error {
	flagSet := pflag.NewFlagSet("idsync", pflag.ContinueOnError)
	envFile := flagSet.String("env", "settings.env", "dotenv file with runtime settings")
	catalogPath := flagSet.String("catalog", "", "catalog file (overrides IDSYNC_CATALOG)")
	taskKey := flagSet.StringP("task", "t", "", "key of the task to execute")
	dryRun := flagSet.Bool("dry-run", false, "report what the task would change without changing it")
	list := flagSet.BoolP("list", "l", false, "list the tasks and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	settings, err := config.LoadEnvConfig(*envFile)
	if err != nil {
		return err
	}
	if *catalogPath != "" {
		settings.CatalogPath = *catalogPath
	}
	log := logging.New("idsync", logging.FromEnv(logging.DefaultConfig()))

	cat, err := config.LoadCatalog(settings.CatalogPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, log, settings, cat)
	if err != nil {
		return err
	}
	defer a.Close()

	if *list {
		tasks, err := a.Tasks.Store().ListTasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%-24s %-12s %s\n", t.Key, t.Type, t.Name)
		}
		return nil
	}
	if *taskKey == "" {
		return fmt.Errorf("--task is required")
	}

	exec, err := a.Tasks.Execute(ctx, *taskKey, *dryRun)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = a.Tasks.Cancel(exec.Key)
	}()
	done, err := a.Tasks.Wait(context.WithoutCancel(ctx), exec.Key)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(done, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if done.Status != task.StatusSuccess {
		return fmt.Errorf("execution %s finished %s", done.Key, done.Status)
	}
	return nil
}
