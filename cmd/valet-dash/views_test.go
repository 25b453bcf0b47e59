package main

import (
	"strings"
	"testing"

	"valet/pkg/eventlog"
	"valet/pkg/protocol"
)

func loadedModel(t *testing.T) Model {
	t.Helper()
	m := newModel()
	m.loaded = true
	m.snap = testSnapshot()
	return m
}

func TestRenderHeaderShowsHealthAndBudget(t *testing.T) {
	m := loadedModel(t)

	out := m.renderHeader()
	if !strings.Contains(out, "daemon running") {
		t.Errorf("header missing health: %q", out)
	}
	if !strings.Contains(out, "budget 2.50 today") {
		t.Errorf("header missing budget: %q", out)
	}
	if !strings.Contains(out, "profile fast") {
		t.Errorf("header missing profile: %q", out)
	}
}

func TestRenderHeaderOffline(t *testing.T) {
	m := loadedModel(t)
	m.snap.DaemonRunning = false

	out := m.renderHeader()
	if !strings.Contains(out, "daemon offline") {
		t.Errorf("header missing offline state: %q", out)
	}
}

func TestRenderTasksListsRows(t *testing.T) {
	m := loadedModel(t)

	out := m.renderTasks()
	if !strings.Contains(out, "morning-brief") {
		t.Errorf("tasks view missing task name: %q", out)
	}
	if !strings.Contains(out, "calendar clear") {
		t.Errorf("tasks view missing preview: %q", out)
	}
}

func TestRenderNoStateDatabase(t *testing.T) {
	m := newModel()
	m.loaded = true
	m.snap = nil

	out := m.render()
	if !strings.Contains(out, "No state database yet") {
		t.Errorf("render should explain missing database: %q", out)
	}
}

func TestRenderEventsEmptyState(t *testing.T) {
	m := loadedModel(t)
	m.activeView = EventsView
	m.snap.Events = nil

	out := m.render()
	if !strings.Contains(out, "No events recorded") {
		t.Errorf("events view missing empty state: %q", out)
	}
}

func TestVisibleRowsAdaptsToHeight(t *testing.T) {
	m := loadedModel(t)

	m.height = 0
	if got := m.visibleRows(); got != 20 {
		t.Errorf("default rows = %d, want 20", got)
	}
	m.height = 40
	if got := m.visibleRows(); got != 34 {
		t.Errorf("rows at height 40 = %d, want 34", got)
	}
	m.height = 8
	if got := m.visibleRows(); got != 5 {
		t.Errorf("rows at height 8 = %d, want floor 5", got)
	}
}

func TestVisibleRunsTruncated(t *testing.T) {
	m := loadedModel(t)
	m.height = 11 // 5 visible rows

	m.snap.Runs = make([]protocol.RunRecord, 12)
	if got := len(m.visibleRuns()); got != 5 {
		t.Errorf("visible runs = %d, want 5", got)
	}

	m.snap.Events = make([]eventlog.Event, 3)
	if got := len(m.visibleEvents()); got != 3 {
		t.Errorf("visible events = %d, want all 3", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("ürümqi-express", 6); got != "ürümq…" {
		t.Errorf("truncate = %q, want rune-safe cut", got)
	}
}
