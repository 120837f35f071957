package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/queue"
	jq "github.com/kscalelabs/kodachrome/internal/queue/jetstream"
	"github.com/kscalelabs/kodachrome/model"
)

var submitCmd = &cobra.Command{
	Use:   "submit <subject>",
	Short: "Queue an evaluation run for a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained jobs in submission order",
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var evictCmd = &cobra.Command{
	Use:   "evict <job_id>",
	Short: "Drop a finished job from the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvict,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived outcomes, newest first",
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print outcomes as they are published on JetStream",
	Long: `Subscribe to completed-evaluation events.

The NATS URL comes from JETSTREAM_URL.`,
	RunE: runWatch,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage policy files on the server",
}

var policyUploadCmd = &cobra.Command{
	Use:   "upload <file.kinfer>",
	Short: "Upload a policy and print the nickname to submit it with",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyUpload,
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, cancelCmd, evictCmd, historyCmd, watchCmd, policyCmd)
	policyCmd.AddCommand(policyUploadCmd)

	submitCmd.Flags().String("profile", "", "Evaluation profile (server default when empty)")
	submitCmd.Flags().String("robot", "", "Robot variant (server default when empty)")
	submitCmd.Flags().String("out", "", "Output directory on the server host")
	submitCmd.Flags().String("caller", currentUser(), "Caller identity recorded with the job")
	submitCmd.Flags().String("idempotency-key", "", "Return the existing job when this key was already submitted")
	submitCmd.Flags().Bool("wait", false, "Poll until the job finishes")
	submitCmd.Flags().Duration("poll", 2*time.Second, "Poll interval for --wait")

	listCmd.Flags().String("status", "", "Only show jobs in this state, e.g. RUNNING")
	cancelCmd.Flags().Bool("wait", false, "Return once the job has stopped")
	historyCmd.Flags().String("before", "", "Page cursor: the last job id of the previous page")
	watchCmd.Flags().String("consumer", "evalctl", "Durable consumer name")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "evalctl"
}

func runSubmit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	req := model.JobRequest{Subject: args[0]}
	req.Profile, _ = flags.GetString("profile")
	req.Robot, _ = flags.GetString("robot")
	req.OutputDir, _ = flags.GetString("out")
	req.Caller, _ = flags.GetString("caller")
	req.IdempotencyKey, _ = flags.GetString("idempotency-key")

	c := clientFor(cmd)
	job, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}

	if wait, _ := flags.GetBool("wait"); wait {
		poll, _ := flags.GetDuration("poll")
		if job, err = pollUntilTerminal(cmd.Context(), c, job.ID.String(), poll); err != nil {
			return err
		}
	}
	return printJob(cmd, job)
}

func pollUntilTerminal(ctx context.Context, c *apiClient, id string, every time.Duration) (model.Job, error) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		job, err := c.Status(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-t.C:
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	job, err := clientFor(cmd).Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJob(cmd, job)
}

func runList(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetString("status")
	jobs, err := clientFor(cmd).List(cmd.Context(), status)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return encodeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSUBJECT\tPROFILE\tSTATUS\tEXIT\tREPORT")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Request.Subject, j.Request.Profile, j.Status, exitCode(j.ExitCode), dash(j.ReportURL))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetBool("wait")
	job, err := clientFor(cmd).Cancel(cmd.Context(), args[0], wait)
	if err != nil {
		return err
	}
	return printJob(cmd, job)
}

func runEvict(cmd *cobra.Command, args []string) error {
	if err := clientFor(cmd).Evict(cmd.Context(), args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
	return nil
}

func runPolicyUpload(cmd *cobra.Command, args []string) error {
	nickname, err := clientFor(cmd).UploadPolicy(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return encodeJSON(out, map[string]string{"nickname": nickname})
	}
	_, err = fmt.Fprintf(out, "saved policy as %s\nsubmit it with: evalctl submit %s\n", nickname, nickname)
	return err
}

func runHistory(cmd *cobra.Command, _ []string) error {
	before, _ := cmd.Flags().GetString("before")
	outcomes, err := clientFor(cmd).Outcomes(cmd.Context(), before)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return encodeJSON(out, outcomes)
	}
	if len(outcomes) == 0 {
		_, _ = fmt.Fprintln(out, "No outcomes found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSUBJECT\tSTATUS\tEXIT\tDURATION\tREPORT")
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.JobID, o.Subject, o.Status, exitCode(o.ExitCode), o.Duration.Round(time.Second), dash(o.ReportURL))
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.GetNatsConfig()
	if err != nil {
		return err
	}
	consumer, _ := cmd.Flags().GetString("consumer")

	q, err := jq.NewJetStreamClient(cfg)
	if err != nil {
		return err
	}
	defer q.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	asJSON := jsonOutput(cmd)
	err = q.SubscribeEvent(ctx, queue.EvalCompleted, consumer, func(_ context.Context, data []byte) error {
		if asJSON {
			_, err := fmt.Fprintln(out, string(data))
			return err
		}
		var o model.Outcome
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, formatOutcome(o))
		return err
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func formatOutcome(o model.Outcome) string {
	s := fmt.Sprintf("%s %s %s/%s exit=%s", o.JobID, o.Status, o.Subject, o.Profile, exitCode(o.ExitCode))
	if o.ErrorDetail != "" {
		s += " error=" + o.ErrorDetail
	}
	if o.ReportURL != "" {
		s += " report=" + o.ReportURL
	}
	return s
}

func printJob(cmd *cobra.Command, j model.Job) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return encodeJSON(out, j)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	_, _ = fmt.Fprintf(w, "Subject:\t%s\n", j.Request.Subject)
	_, _ = fmt.Fprintf(w, "Profile:\t%s\n", j.Request.Profile)
	_, _ = fmt.Fprintf(w, "Exit code:\t%s\n", exitCode(j.ExitCode))
	_, _ = fmt.Fprintf(w, "Artifacts:\t%s\n", dash(j.ArtifactPath))
	if j.ErrorDetail != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", j.ErrorDetail)
	}
	if j.ReportURL != "" {
		_, _ = fmt.Fprintf(w, "Report:\t%s\n", j.ReportURL)
	}
	return nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
