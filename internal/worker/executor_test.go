package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/repository/image"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// fakeRepo is an in-memory record honoring the same transition guards as
// the real store.
type fakeRepo struct {
	mu sync.Mutex

	status     string
	retryCount int
	errMsg     string
	meta       model.Metadata
	thumbs     map[string]string
	elapsed    float64

	successWrites int
	failedWrites  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{status: model.StatusPending}
}

func (r *fakeRepo) terminal() bool {
	return r.status == model.StatusSuccess || r.status == model.StatusFailed
}

func (r *fakeRepo) SetProcessing(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.terminal() {
		r.status = model.StatusProcessing
	}

	return nil
}

func (r *fakeRepo) MarkSuccess(_ context.Context, _ string, meta model.Metadata, thumbs map[string]string, elapsed float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal() {
		return image.ErrAlreadyTerminal
	}

	r.status = model.StatusSuccess
	r.meta = meta
	r.thumbs = thumbs
	r.elapsed = elapsed
	r.errMsg = ""
	r.successWrites++

	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, _ string, errMsg string, elapsed float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal() {
		return image.ErrAlreadyTerminal
	}

	r.status = model.StatusFailed
	r.errMsg = errMsg
	r.elapsed = elapsed
	r.failedWrites++

	return nil
}

func (r *fakeRepo) BumpRetry(_ context.Context, _ string, errMsg string, maxRetries int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal() || r.retryCount >= maxRetries {
		return 0, image.ErrRetriesExhausted
	}

	r.status = model.StatusProcessing
	r.errMsg = errMsg
	r.retryCount++

	return r.retryCount, nil
}

// fakePipeline fails the caption stage a configurable number of times.
type fakePipeline struct {
	failCaptions int
	calls        int
}

func (p *fakePipeline) Thumbnails(_ context.Context, _, id string) (map[string]string, error) {
	return map[string]string{
		model.SizeSmall:  "thumbnails/" + id + "_small.jpg",
		model.SizeMedium: "thumbnails/" + id + "_medium.jpg",
	}, nil
}

func (p *fakePipeline) Metadata(context.Context, string) (model.Metadata, error) {
	return model.Metadata{Width: 800, Height: 600, Format: "jpeg", SizeBytes: 1234}, nil
}

func (p *fakePipeline) Exif(context.Context, string) map[string]any {
	return map[string]any{}
}

func (p *fakePipeline) Caption(context.Context, string) (string, error) {
	p.calls++
	if p.calls <= p.failCaptions {
		return "", fmt.Errorf("caption model unavailable")
	}

	return "a test image", nil
}

func (p *fakePipeline) Preview(context.Context, string, string, string) (string, error) {
	return "", nil
}

// fakeQueue records re-enqueued tasks and their delays without redelivering.
type fakeQueue struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []model.Task
}

func (q *fakeQueue) EnqueueAfter(_ context.Context, delay time.Duration, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.delays = append(q.delays, delay)
	q.tasks = append(q.tasks, task)

	return nil
}

var testPolicy = Policy{
	MaxRetries: 3,
	BaseDelay:  5 * time.Millisecond,
	MaxDelay:   time.Minute,
}

func TestExecute_Success(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	e := New(repo, &fakePipeline{}, queue, testPolicy)

	task := model.Task{ImageID: "img_00000001", SourcePath: "originals/img_00000001.jpg"}

	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if repo.status != model.StatusSuccess {
		t.Errorf("status = %q, want %q", repo.status, model.StatusSuccess)
	}
	if repo.errMsg != "" {
		t.Errorf("error = %q, want empty", repo.errMsg)
	}
	if repo.meta.Caption != "a test image" {
		t.Errorf("caption = %q, want %q", repo.meta.Caption, "a test image")
	}
	if len(repo.thumbs) != 2 {
		t.Errorf("thumbnail count = %d, want 2", len(repo.thumbs))
	}
	if len(queue.tasks) != 0 {
		t.Errorf("successful job re-enqueued %d times, want 0", len(queue.tasks))
	}
}

func TestExecute_RetriesThenFails(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	pipeline := &fakePipeline{failCaptions: 100} // fails on every attempt
	e := New(repo, pipeline, queue, testPolicy)

	task := model.Task{ImageID: "img_00000002", SourcePath: "originals/img_00000002.jpg"}

	// max_retries + 1 total attempts: the queue would redeliver, the test
	// drives each attempt directly.
	for attempt := 0; attempt <= testPolicy.MaxRetries; attempt++ {
		if err := e.Execute(context.Background(), task); err != nil {
			t.Fatalf("attempt %d: Execute() error = %v", attempt, err)
		}
	}

	if repo.status != model.StatusFailed {
		t.Errorf("status = %q, want %q", repo.status, model.StatusFailed)
	}
	if repo.retryCount != testPolicy.MaxRetries {
		t.Errorf("retry_count = %d, want %d", repo.retryCount, testPolicy.MaxRetries)
	}
	if pipeline.calls != testPolicy.MaxRetries+1 {
		t.Errorf("stage attempts = %d, want %d", pipeline.calls, testPolicy.MaxRetries+1)
	}
	if len(queue.tasks) != testPolicy.MaxRetries {
		t.Errorf("re-enqueues = %d, want %d", len(queue.tasks), testPolicy.MaxRetries)
	}
	if repo.errMsg == "" || strings.HasPrefix(repo.errMsg, "Retrying:") {
		t.Errorf("final error = %q, want the bare failure message", repo.errMsg)
	}
	if repo.failedWrites != 1 {
		t.Errorf("failed transitions = %d, want 1", repo.failedWrites)
	}

	// A further delivery after the terminal state must not change anything.
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("post-terminal Execute() error = %v", err)
	}
	if repo.failedWrites != 1 || repo.status != model.StatusFailed {
		t.Error("terminal state was left by a late delivery")
	}
}

func TestExecute_DuplicateDeliveryAfterSuccess(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	e := New(repo, &fakePipeline{}, queue, testPolicy)

	task := model.Task{ImageID: "img_00000007", SourcePath: "originals/img_00000007.jpg"}

	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// The queue may redeliver a committed job; the second run must leave
	// the terminal record alone and report no error.
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("duplicate Execute() error = %v", err)
	}

	if repo.successWrites != 1 {
		t.Errorf("success transitions = %d, want 1", repo.successWrites)
	}
	if repo.status != model.StatusSuccess {
		t.Errorf("status = %q, want %q", repo.status, model.StatusSuccess)
	}
}

func TestExecute_RetryBreadcrumb(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	e := New(repo, &fakePipeline{failCaptions: 100}, queue, testPolicy)

	task := model.Task{ImageID: "img_00000003", SourcePath: "originals/img_00000003.jpg"}

	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if repo.status != model.StatusProcessing {
		t.Errorf("status during retry window = %q, want %q", repo.status, model.StatusProcessing)
	}
	if !strings.HasPrefix(repo.errMsg, "Retrying: ") {
		t.Errorf("error = %q, want a %q breadcrumb", repo.errMsg, "Retrying: ")
	}
}

func TestExecute_FailsTwiceThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	pipeline := &fakePipeline{failCaptions: 2}
	e := New(repo, pipeline, queue, testPolicy)

	task := model.Task{ImageID: "img_00000004", SourcePath: "originals/img_00000004.jpg"}

	for attempt := 0; attempt < 3; attempt++ {
		if err := e.Execute(context.Background(), task); err != nil {
			t.Fatalf("attempt %d: Execute() error = %v", attempt, err)
		}
	}

	if repo.status != model.StatusSuccess {
		t.Errorf("status = %q, want %q", repo.status, model.StatusSuccess)
	}
	if repo.errMsg != "" {
		t.Errorf("error = %q, want cleared", repo.errMsg)
	}
	if repo.retryCount != 2 {
		t.Errorf("retry_count = %d, want 2", repo.retryCount)
	}
	if repo.meta.Caption == "" || len(repo.thumbs) == 0 {
		t.Error("derived fields not populated on success")
	}
}

func TestBackoff(t *testing.T) {
	e := New(nil, nil, nil, Policy{
		MaxRetries: 10,
		BaseDelay:  5 * time.Second,
		MaxDelay:   40 * time.Second,
	})

	tests := []struct {
		count int
		want  time.Duration
	}{
		{count: 1, want: 10 * time.Second},
		{count: 2, want: 20 * time.Second},
		{count: 3, want: 40 * time.Second},
		{count: 4, want: 40 * time.Second}, // capped
		{count: 8, want: 40 * time.Second}, // still capped
	}

	for _, tt := range tests {
		if got := e.backoff(tt.count); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestExecute_BackoffDelaysGrow(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	e := New(repo, &fakePipeline{failCaptions: 100}, queue, testPolicy)

	task := model.Task{ImageID: "img_00000005", SourcePath: "originals/img_00000005.jpg"}

	for attempt := 0; attempt < testPolicy.MaxRetries; attempt++ {
		if err := e.Execute(context.Background(), task); err != nil {
			t.Fatalf("attempt %d: Execute() error = %v", attempt, err)
		}
	}

	if len(queue.delays) != testPolicy.MaxRetries {
		t.Fatalf("recorded %d delays, want %d", len(queue.delays), testPolicy.MaxRetries)
	}

	for i := 1; i < len(queue.delays); i++ {
		if queue.delays[i] != queue.delays[i-1]*2 {
			t.Errorf("delay %d = %v, want double of %v", i, queue.delays[i], queue.delays[i-1])
		}
	}
}

func TestExecute_QueueFailureSurfaces(t *testing.T) {
	repo := newFakeRepo()
	e := New(repo, &fakePipeline{failCaptions: 100}, failingQueue{}, testPolicy)

	task := model.Task{ImageID: "img_00000006", SourcePath: "originals/img_00000006.jpg"}

	if err := e.Execute(context.Background(), task); err == nil {
		t.Fatal("Execute() should surface re-enqueue failures")
	}
}

type failingQueue struct{}

func (failingQueue) EnqueueAfter(context.Context, time.Duration, model.Task) error {
	return errors.New("broker unreachable")
}
