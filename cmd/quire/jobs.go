package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/quire/internal/model"
)

const clientTimeout = 10 * time.Second

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List live jobs on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := fetchJobs(cmd.Context(), ctx.serverURL(), status)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this status")
	return cmd
}

func fetchJobs(ctx context.Context, base, status string) ([]model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	url := base + "/v1/jobs"
	if status != "" {
		url += "?status=" + status
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list jobs: server returned %s", resp.Status)
	}

	var body struct {
		Jobs []model.Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return body.Jobs, nil
}

func renderJobs(jobs []model.Job, now time.Time) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		detail := j.Error
		if j.Status == model.StatusCompleted && j.ResultSize > 0 {
			detail = humanize.Bytes(uint64(j.ResultSize))
		}
		rows = append(rows, []string{
			j.ID,
			j.Name,
			string(j.Kind),
			string(j.Mode),
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			detail,
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Kind", "Mode", "Status", "Progress", "Created", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
