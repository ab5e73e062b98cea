package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/handler"
	"github.com/cuongbtq/imagejobs/internal/api/router"
	"github.com/cuongbtq/imagejobs/internal/api/service"
	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/metrics"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/cuongbtq/imagejobs/shared/logger"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	url   string
	store *store.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	color.NoColor = true

	b := broker.NewMemoryBroker()
	s := store.NewMemoryStore()
	recorder := metrics.NewRecorder(0)
	log := logger.NewDiscard()

	engine := router.SetupRouter(&handler.Dependencies{
		Logger: log,
		Jobs: service.NewJobService(service.Config{
			Broker:         b,
			Store:          s,
			Metrics:        recorder,
			Logger:         log,
			AllowedFilters: domain.DefaultFilters,
		}),
		Metrics:  recorder,
		Registry: metrics.NewRegistry(recorder),
	})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return &apiFixture{url: srv.URL, store: s}
}

func (f *apiFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(&out)
	cmd.SetArgs(append([]string{"--api-url", f.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *apiFixture) onlyJob(t *testing.T) *domain.Job {
	t.Helper()
	jobs, err := f.store.List(context.Background(), store.Filter{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (f *apiFixture) complete(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), id, func(j *domain.Job) error {
		now := time.Now()
		if err := j.Claim("worker-1", now); err != nil {
			return err
		}
		return j.Complete(domain.Result{OutputPath: "results/" + id + ".jpg"}, now)
	})
	require.NoError(t, err)
}

func TestSubmitAndStatus(t *testing.T) {
	f := newAPIFixture(t)

	out, err := f.run(t, "submit", "--image", "uploads/cat.png", "--filter", "blur", "--intensity", "70")
	require.NoError(t, err)

	job := f.onlyJob(t)
	assert.Contains(t, out, job.ID)
	assert.Equal(t, 70, job.Payload.Intensity)

	out, err = f.run(t, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting")
	assert.Contains(t, out, "uploads/cat.png")
	assert.Contains(t, out, "blur")

	f.complete(t, job.ID)

	out, err = f.run(t, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "results/"+job.ID+".jpg")
}

func TestSubmit_DefaultIntensity(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.run(t, "submit", "--image", "uploads/cat.png", "--filter", "grayscale")
	require.NoError(t, err)
	assert.Equal(t, 50, f.onlyJob(t).Payload.Intensity)
}

func TestSubmit_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing image flag",
			args:    []string{"submit", "--filter", "blur"},
			wantErr: "image",
		},
		{
			name:    "unknown filter",
			args:    []string{"submit", "--image", "a.png", "--filter", "posterize"},
			wantErr: "400",
		},
		{
			name:    "intensity out of range",
			args:    []string{"submit", "--image", "a.png", "--filter", "blur", "--intensity", "101"},
			wantErr: "Validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSubmit_Wait(t *testing.T) {
	f := newAPIFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			jobs, _ := f.store.List(context.Background(), store.Filter{PageSize: 1})
			if len(jobs) == 1 {
				_, _ = f.store.Update(context.Background(), jobs[0].ID, func(j *domain.Job) error {
					now := time.Now()
					if err := j.Claim("worker-1", now); err != nil {
						return err
					}
					return j.Complete(domain.Result{OutputPath: "results/out.jpg"}, now)
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := f.run(t, "submit", "--image", "uploads/cat.png", "--filter", "sepia",
		"--wait", "--poll-interval", "10ms", "--wait-timeout", "5s")
	<-done
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "results/out.jpg")
}

func TestList(t *testing.T) {
	f := newAPIFixture(t)

	for _, filter := range []string{"blur", "sepia", "blur"} {
		_, err := f.run(t, "submit", "--image", "uploads/a.png", "--filter", filter)
		require.NoError(t, err)
	}

	out, err := f.run(t, "list")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "blur"))
	assert.Equal(t, 1, strings.Count(out, "sepia"))
	assert.NotContains(t, out, "--cursor")

	out, err = f.run(t, "list", "--filter", "sepia")
	require.NoError(t, err)
	assert.NotContains(t, out, "blur")

	out, err = f.run(t, "list", "--page-size", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "More results: --cursor ")

	out, err = f.run(t, "list", "--state", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	_, err = f.run(t, "list", "--state", "paused")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestCancelAndDelete(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.run(t, "submit", "--image", "uploads/a.png", "--filter", "edge")
	require.NoError(t, err)
	id := f.onlyJob(t).ID

	out, err := f.run(t, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "canceled")

	_, err = f.run(t, "cancel", id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	out, err = f.run(t, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted job "+id)

	_, err = f.run(t, "status", id)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestStatsAndHealth(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.run(t, "submit", "--image", "uploads/a.png", "--filter", "emboss")
	require.NoError(t, err)

	out, err := f.run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue")
	assert.Contains(t, out, "By filter")
	assert.Contains(t, out, "emboss")

	out, err = f.run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
}

func TestAPIURLFromEnvironment(t *testing.T) {
	f := newAPIFixture(t)
	t.Setenv("JOBCTL_API_URL", f.url)

	var out bytes.Buffer
	cmd := NewRootCmd(&out)
	cmd.SetArgs([]string{"health"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "healthy")
}

func TestUnreachableAPI(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd(&out)
	cmd.SetArgs([]string{"--api-url", "http://127.0.0.1:1", "--timeout", "200ms", "stats"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request GET /stats failed")
}
