package simflowctl

import (
	"fmt"
	"text/tabwriter"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/taskdb"
)

const matchAll = "%"

// Status prints every task whose run name matches pattern, ordered by run name then stage. pattern uses LIKE
// wildcards; an empty pattern matches everything.
func (a *App) Status(runFolder, pattern string, verbose bool) error {
	if pattern == "" {
		pattern = matchAll
	}
	return a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		tasks, err := store.Query(ctx, taskdb.Filter{RunNamePattern: pattern})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
		if verbose {
			fmt.Fprintln(w, "RUN_NAME\tPROC_TYPE\tSTATUS\tJOB_ID\tRETRIES\tLAST_ERROR")
		} else {
			fmt.Fprintln(w, "RUN_NAME\tPROC_TYPE\tSTATUS")
		}
		for _, task := range tasks {
			if !verbose {
				fmt.Fprintf(w, "%s\t%s\t%s\n", task.RunName, task.ProcType, task.Status)
				continue
			}
			jobID := "-"
			if task.HasJob() {
				jobID = fmt.Sprintf("%d", *task.JobID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", task.RunName, task.ProcType, task.Status, jobID, task.RetryCount, task.LastError)
		}
		return w.Flush()
	})
}

// Errors prints the error table, most recent first.
func (a *App) Errors(runFolder string) error {
	return a.withStore(runFolder, func(ctx *flowcontext.Context, store *taskdb.Store) error {
		records, err := store.Errors(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(a.Out, "No errors recorded")
			return nil
		}
		w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLAST_SEEN\tREASON")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\n", record.Name, record.LastUpdateTime.UTC().Format("2006-01-02 15:04:05"), record.Reason)
		}
		return w.Flush()
	})
}
