package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"app-monitor/internal/results"
)

func TestProjectInputValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      ProjectInput
		wantErr bool
	}{
		{"valid", ProjectInput{"Shop", "https://shop.example.com", []string{TypeWeb, TypeE2E}}, false},
		{"trimmed name too short", ProjectInput{"  ab ", "https://a.example.com", []string{TypeWeb}}, true},
		{"relative url", ProjectInput{"Shop", "/shop", []string{TypeWeb}}, true},
		{"ftp url", ProjectInput{"Shop", "ftp://files.example.com", []string{TypeWeb}}, true},
		{"no types", ProjectInput{"Shop", "https://shop.example.com", nil}, true},
		{"unknown type", ProjectInput{"Shop", "https://shop.example.com", []string{"grpc"}}, true},
		{"all types", ProjectInput{"Blog", "http://blog.local", []string{TypeWeb, TypeREST, TypeWordPress, TypeE2E}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			err := in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidProject) {
				t.Errorf("Validate() error = %v, want ErrInvalidProject", err)
			}
		})
	}
}

func TestProjectUpdateApply(t *testing.T) {
	base := func() *Project {
		return &Project{
			Name:            "Shop",
			BaseURL:         "https://shop.example.com",
			MonitoringTypes: []string{TypeWeb},
			IsActive:        true,
		}
	}

	name := "Storefront"
	inactive := false
	p := base()
	if err := (ProjectUpdate{Name: &name, IsActive: &inactive}).Apply(p); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Name != "Storefront" || p.IsActive {
		t.Errorf("Apply() = %+v", p)
	}
	if p.BaseURL != "https://shop.example.com" {
		t.Errorf("BaseURL changed to %q", p.BaseURL)
	}

	bad := "x"
	p = base()
	if err := (ProjectUpdate{Name: &bad}).Apply(p); !errors.Is(err, ErrInvalidProject) {
		t.Errorf("Apply() error = %v, want ErrInvalidProject", err)
	}
	if p.Name != "Shop" {
		t.Errorf("failed Apply modified project name to %q", p.Name)
	}
}

func TestProjectMonitors(t *testing.T) {
	p := Project{MonitoringTypes: []string{TypeWeb, TypeE2E}}
	if !p.Monitors(TypeE2E) {
		t.Error("Monitors(e2e) = false")
	}
	if p.Monitors(TypeWordPress) {
		t.Error("Monitors(wordpress) = true")
	}
}

func TestHistoryFilterNormalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f := HistoryFilter{}
		if err := f.Normalize(); err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if f.Page != 1 || f.PageSize != DefaultPageSize {
			t.Errorf("Page = %d, PageSize = %d; want 1, %d", f.Page, f.PageSize, DefaultPageSize)
		}
		if f.Offset() != 0 {
			t.Errorf("Offset() = %d, want 0", f.Offset())
		}
	})

	now := time.Now()
	earlier := now.Add(-time.Hour)
	tests := []struct {
		name string
		f    HistoryFilter
	}{
		{"unknown type", HistoryFilter{Type: "deploy"}},
		{"negative page", HistoryFilter{Page: -1}},
		{"page size over max", HistoryFilter{PageSize: 101}},
		{"negative page size", HistoryFilter{PageSize: -5}},
		{"end before start", HistoryFilter{Start: &now, End: &earlier}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.f
			if err := f.Normalize(); !errors.Is(err, ErrInvalidFilter) {
				t.Errorf("Normalize() = %v, want ErrInvalidFilter", err)
			}
		})
	}

	f := HistoryFilter{Type: HistoryE2E, Page: 3, PageSize: 50}
	if err := f.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.Offset() != 100 {
		t.Errorf("Offset() = %d, want 100", f.Offset())
	}
}

func TestNewHistoryPage(t *testing.T) {
	f := HistoryFilter{Page: 2, PageSize: 2}
	page := newHistoryPage(make([]HistoryItem, 2), 5, f)
	if !page.HasMore {
		t.Error("HasMore = false with 5 total and page 2 of size 2")
	}

	page = newHistoryPage(make([]HistoryItem, 1), 5, HistoryFilter{Page: 3, PageSize: 2})
	if page.HasMore {
		t.Error("HasMore = true on last page")
	}

	page = newHistoryPage(nil, 0, HistoryFilter{Page: 1, PageSize: 20})
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("Items = %v, want empty non-nil", page.Items)
	}
}

func TestTruncateTail(t *testing.T) {
	if got := truncateTail("short", 10); got != "short" {
		t.Errorf("truncateTail() = %q", got)
	}
	if got := truncateTail("0123456789", 4); got != "6789" {
		t.Errorf("truncateTail() = %q, want 6789", got)
	}
	// "é" is two bytes; cutting inside it must not leave a partial rune.
	got := truncateTail("aé1234", 5)
	if !utf8.ValidString(got) || got != "1234" {
		t.Errorf("truncateTail() = %q, want 1234", got)
	}
}

func TestNewE2EResult(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := results.RunResult{
		Success:       false,
		TotalTests:    3,
		Passed:        2,
		Failed:        1,
		DurationMS:    4200,
		Output:        strings.Repeat("x", MaxStoredOutput+10) + "done",
		ResourceUsage: &results.ResourceUsage{MaxMemoryMB: 512, AvgCPUMs: 80},
	}

	rec := NewE2EResult("r1", "", run, at)
	if len(rec.Output) != MaxStoredOutput || !strings.HasSuffix(rec.Output, "done") {
		t.Errorf("Output length = %d, want %d ending in done", len(rec.Output), MaxStoredOutput)
	}
	if rec.SpecFiles == nil {
		t.Error("SpecFiles = nil, want empty slice")
	}
	if rec.MaxMemoryMB == nil || *rec.MaxMemoryMB != 512 {
		t.Errorf("MaxMemoryMB = %v, want 512", rec.MaxMemoryMB)
	}
	if !rec.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %s, want %s", rec.CreatedAt, at)
	}

	rec = NewE2EResult("r2", "p1", results.RunResult{Success: true}, at)
	if rec.MaxMemoryMB != nil || rec.AvgCPUMs != nil {
		t.Error("resource usage set without samples")
	}
}

type fakeSink struct {
	mu       sync.Mutex
	failures int
	health   []*HealthCheckResult
	e2e      []*E2EResult
	calls    int
}

func (s *fakeSink) fail() error {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	return nil
}

func (s *fakeSink) InsertHealthCheck(_ context.Context, r *HealthCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.health = append(s.health, r)
	return nil
}

func (s *fakeSink) InsertE2EResult(_ context.Context, r *E2EResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.e2e = append(s.e2e, r)
	return nil
}

func TestResultWriter_FlushDrains(t *testing.T) {
	sink := &fakeSink{}
	w := NewResultWriter(sink, 10)
	w.retryBase = time.Millisecond
	w.Start()

	w.LogHealthCheck(&HealthCheckResult{ID: "h1"})
	w.LogE2E(&E2EResult{ID: "e1"})
	w.LogHealthCheck(&HealthCheckResult{ID: "h2"})
	w.Flush(5 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.health) != 2 || len(sink.e2e) != 1 {
		t.Errorf("wrote %d health, %d e2e; want 2, 1", len(sink.health), len(sink.e2e))
	}
}

func TestResultWriter_Retries(t *testing.T) {
	sink := &fakeSink{failures: 2}
	w := NewResultWriter(sink, 10)
	w.retryBase = time.Millisecond
	w.Start()

	w.LogE2E(&E2EResult{ID: "e1"})
	w.Flush(5 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.e2e) != 1 {
		t.Errorf("wrote %d e2e results, want 1 after retries", len(sink.e2e))
	}
	if sink.calls != 3 {
		t.Errorf("calls = %d, want 3", sink.calls)
	}
}

func TestResultWriter_GivesUp(t *testing.T) {
	sink := &fakeSink{failures: 10}
	w := NewResultWriter(sink, 10)
	w.retryBase = time.Millisecond
	w.Start()

	w.LogHealthCheck(&HealthCheckResult{ID: "h1"})
	w.Flush(5 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", sink.calls)
	}
	if len(sink.health) != 0 {
		t.Errorf("wrote %d results, want 0", len(sink.health))
	}
}

func TestResultWriter_DropsWhenFull(t *testing.T) {
	sink := &fakeSink{}
	w := NewResultWriter(sink, 1)
	// Not started: the second entry has nowhere to go.
	w.LogHealthCheck(&HealthCheckResult{ID: "h1"})
	w.LogHealthCheck(&HealthCheckResult{ID: "h2"})

	if got := len(w.ch); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}
