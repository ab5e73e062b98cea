package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func stateLabel(state string) string {
	switch state {
	case "completed":
		return color.GreenString(state)
	case "failed":
		return color.RedString(state)
	case "canceled":
		return color.YellowString(state)
	case "active":
		return color.CyanString(state)
	default:
		return state
	}
}

func healthLabel(status string) string {
	if status == "healthy" {
		return color.GreenString(status)
	}
	return color.RedString(status)
}

func formatUptime(seconds float64) string {
	return (time.Duration(seconds) * time.Second).String()
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func renderJob(out io.Writer, job *dto.JobDTO) {
	table := newTable(out, []string{"Field", "Value"})
	table.Append([]string{"ID", job.ID})
	table.Append([]string{"State", stateLabel(job.State)})
	table.Append([]string{"Image", job.Payload.ImagePath})
	table.Append([]string{"Filter", job.Payload.Filter})
	table.Append([]string{"Intensity", strconv.Itoa(job.Payload.Intensity)})
	table.Append([]string{"Attempts", strconv.Itoa(job.Attempts)})
	table.Append([]string{"Enqueued", job.EnqueuedAt})
	if job.ClaimedBy != "" {
		table.Append([]string{"Worker", job.ClaimedBy})
	}
	if job.StartedAt != nil {
		table.Append([]string{"Started", *job.StartedAt})
	}
	if job.FinishedAt != nil {
		table.Append([]string{"Finished", *job.FinishedAt})
	}
	if job.Result != nil {
		table.Append([]string{"Output", job.Result.OutputPath})
		if job.Result.ObjectKey != "" {
			table.Append([]string{"Object", job.Result.ObjectKey})
		}
	}
	if job.FailedReason != nil {
		table.Append([]string{"Reason", *job.FailedReason})
	}
	table.Render()
}

func renderJobs(out io.Writer, jobs []dto.JobDTO) {
	table := newTable(out, []string{"ID", "State", "Filter", "Intensity", "Image", "Enqueued"})
	for _, job := range jobs {
		table.Append([]string{
			job.ID,
			stateLabel(job.State),
			job.Payload.Filter,
			strconv.Itoa(job.Payload.Intensity),
			job.Payload.ImagePath,
			job.EnqueuedAt,
		})
	}
	table.Render()
}

func renderStats(out io.Writer, stats *dto.StatsResponse) {
	fmt.Fprintln(out, "Queue")
	queue := newTable(out, []string{"Waiting", "Active", "Completed", "Failed"})
	queue.Append([]string{
		strconv.FormatInt(stats.Queue.Waiting, 10),
		strconv.FormatInt(stats.Queue.Active, 10),
		strconv.FormatInt(stats.Queue.Completed, 10),
		strconv.FormatInt(stats.Queue.Failed, 10),
	})
	queue.Render()

	fmt.Fprintln(out, "\nService")
	m := stats.Metrics
	svc := newTable(out, []string{"Metric", "Value"})
	svc.Append([]string{"Requests", strconv.FormatInt(m.RequestsTotal, 10)})
	svc.Append([]string{"Jobs queued", strconv.FormatInt(m.JobsQueuedTotal, 10)})
	svc.Append([]string{"Jobs completed", strconv.FormatInt(m.JobsCompletedTotal, 10)})
	svc.Append([]string{"Jobs failed", strconv.FormatInt(m.JobsFailedTotal, 10)})
	svc.Append([]string{"Avg request", fmt.Sprintf("%.2fms", m.AvgRequestDurationMs)})
	svc.Append([]string{"Uptime", formatUptime(m.UptimeSeconds)})
	svc.Render()

	if len(stats.ByFilter) > 0 {
		fmt.Fprintln(out, "\nBy filter")
		filters := make([]string, 0, len(stats.ByFilter))
		for name := range stats.ByFilter {
			filters = append(filters, name)
		}
		sort.Strings(filters)

		byFilter := newTable(out, []string{"Filter", "Jobs"})
		for _, name := range filters {
			byFilter.Append([]string{name, strconv.FormatInt(stats.ByFilter[name], 10)})
		}
		byFilter.Render()
	}
}
