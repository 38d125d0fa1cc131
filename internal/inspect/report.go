// Package inspect renders journal entries together with the lifetime of the
// worker that took them.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/forkpool/internal/journal"
)

// Source is the part of the journal a report reads.
type Source interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	SlotHistory(ctx context.Context, slot int) ([]journal.SlotEvent, error)
}

// Report is the structured JSON representation of an entry report.
type Report struct {
	Entry  *journal.Entry `json:"entry"`
	Worker *Worker        `json:"worker,omitempty"`
}

// Worker describes the generation of the slot's worker that was current when
// the entry was recorded.
type Worker struct {
	Slot int `json:"slot"`
	// Generation counts spawns on the slot up to the entry, starting at 1.
	Generation int                 `json:"generation"`
	SpawnedAt  *time.Time          `json:"spawned_at,omitempty"`
	RecycledAt *time.Time          `json:"recycled_at,omitempty"`
	History    []journal.SlotEvent `json:"history"`
}

// BuildReport renders a terminal-friendly report for one journal entry.
func BuildReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}
	e := report.Entry

	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", e.ID)
	fmt.Fprintf(&out, "Kind        : %s\n", e.Kind)
	fmt.Fprintf(&out, "Command     : %s\n", e.Command)
	fmt.Fprintf(&out, "Status      : %s\n", e.Status)
	fmt.Fprintf(&out, "Recorded    : %s\n", e.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Payload     : %d bytes, blake3 %s\n", e.PayloadBytes, shortDigest(e.PayloadDigest))
	if e.Kind == journal.KindSubmit {
		fmt.Fprintf(&out, "Attempts    : %d\n", e.Attempts)
		fmt.Fprintf(&out, "Recycled    : %t\n", e.Recycled)
	}
	if e.LastError != nil {
		fmt.Fprintf(&out, "Last error  : %s\n", *e.LastError)
	}

	w := report.Worker
	if w == nil {
		fmt.Fprintf(&out, "Slot        : <none>\n")
		return out.String(), nil
	}
	fmt.Fprintf(&out, "Slot        : %d\n", w.Slot)
	fmt.Fprintf(&out, "\n")
	fmt.Fprintf(&out, "Worker generation %d\n", w.Generation)
	fmt.Fprintf(&out, "    spawned_at  : %s\n", formatTime(w.SpawnedAt))
	fmt.Fprintf(&out, "    recycled_at : %s\n", formatTime(w.RecycledAt))
	if len(w.History) == 0 {
		fmt.Fprintf(&out, "    history     : <none>\n")
	} else {
		fmt.Fprintf(&out, "    history     :\n")
		for _, ev := range w.History {
			fmt.Fprintf(&out, "      - %s %s\n", ev.At.Format(time.RFC3339Nano), ev.Event)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, id string) (string, error) {
	report, err := gatherReportData(ctx, src, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("entry id is required")
	}
	entry, err := src.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &Report{Entry: entry}
	if entry.Slot == nil {
		return report, nil
	}

	history, err := src.SlotHistory(ctx, *entry.Slot)
	if err != nil {
		return nil, err
	}
	report.Worker = workerAt(*entry.Slot, history, entry.CreatedAt, entry.Recycled)
	return report, nil
}

// workerAt finds the worker generation live on slot at t. Its end is the
// first recycle at or after t, or the recycle the entry itself triggered,
// which is recorded just before the entry.
func workerAt(slot int, history []journal.SlotEvent, t time.Time, recycledByEntry bool) *Worker {
	w := &Worker{Slot: slot, History: history}
	for i := range history {
		ev := history[i]
		switch ev.Event {
		case journal.WorkerSpawned:
			if ev.At.After(t) {
				continue
			}
			w.Generation++
			w.SpawnedAt = &history[i].At
			w.RecycledAt = nil
		case journal.WorkerRecycled:
			if w.SpawnedAt == nil {
				continue
			}
			if !ev.At.Before(t) {
				if w.RecycledAt == nil {
					w.RecycledAt = &history[i].At
				}
				continue
			}
			if recycledByEntry {
				w.RecycledAt = &history[i].At
				continue
			}
			w.SpawnedAt = nil
		}
	}
	return w
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339Nano)
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	if d == "" {
		return "<none>"
	}
	return d
}
