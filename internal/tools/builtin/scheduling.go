package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/loopworks/conductor/internal/schedule"
	"github.com/loopworks/conductor/internal/tools"
)

// ScheduleStore is the minimal persistence surface the scheduling tools
// need. internal/store's concrete implementations satisfy it; kept narrow
// here to avoid a dependency from internal/tools onto internal/store.
type ScheduleStore interface {
	CreateScheduledItem(ctx context.Context, item ScheduledItemInput) (id string, err error)
	ListScheduledItems(ctx context.Context) ([]ScheduledItemView, error)
	CancelScheduledItem(ctx context.Context, id string) error
	PauseScheduledItem(ctx context.Context, id string) error
	ResumeScheduledItem(ctx context.Context, id string) error
}

// ScheduledItemInput is what create_reminder/create_scheduled_task hand to
// the store after validating the recurrence via internal/schedule.
type ScheduledItemInput struct {
	Type        string // "reminder" | "task"
	Title       string
	Description string
	Schedule    schedule.Spec
	NextRunAt   time.Time
}

// ScheduledItemView is what list_scheduled renders back to the model.
type ScheduledItemView struct {
	ID          string
	Type        string
	Title       string
	Status      string
	NextRunAt   time.Time
	Description string
}

type createReminderArgs struct {
	Title       string `json:"title" jsonschema:"required"`
	Description string `json:"description"`
	ScheduleType string `json:"schedule_type" jsonschema:"required,enum=once,enum=interval,enum=daily,enum=weekly,enum=monthly"`
	At          string `json:"at" jsonschema:"description=ISO-8601 instant\\, required for schedule_type=once"`
	Minutes     int    `json:"minutes" jsonschema:"description=required for schedule_type=interval"`
	Time        string `json:"time" jsonschema:"description=HH:MM 24h UTC\\, required for daily/weekly/monthly"`
	Day         string `json:"day" jsonschema:"description=weekday name\\, required for weekly"`
	DayOfMonth  int    `json:"day_of_month" jsonschema:"description=1-28\\, required for monthly"`
}

type cancelScheduledArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

// RegisterScheduling adds create_reminder, create_scheduled_task,
// list_scheduled, cancel_scheduled, pause_scheduled, and resume_scheduled to
// r, grounded on original_source/bbclaw/tools/scheduling.py. Every creation
// tool validates its recurrence spec via internal/schedule before it ever
// reaches the store, per spec.md §7's ScheduleValidation policy ("rejected
// at creation; no item stored").
func RegisterScheduling(r *tools.Registry, store ScheduleStore) error {
	makeCreate := func(name, itemType, description string) tools.Definition {
		return tools.Definition{
			Name:        name,
			Description: description,
			SchemaJSON:  mustSchema(createReminderArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				spec, err := parseScheduleArgs(args)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				nextRun, err := schedule.ComputeNextRun(spec, time.Now().UTC())
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				title, _ := args["title"].(string)
				desc, _ := args["description"].(string)
				id, err := store.CreateScheduledItem(ctx, ScheduledItemInput{
					Type: itemType, Title: title, Description: desc, Schedule: spec, NextRunAt: nextRun,
				})
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: fmt.Sprintf("created %s %s, next run %s", itemType, id, nextRun.Format(time.RFC3339))}
			},
		}
	}

	defs := []tools.Definition{
		makeCreate("create_reminder", "reminder", "Schedule a reminder to be shown to the user when due."),
		makeCreate("create_scheduled_task", "task", "Schedule a task description to be run autonomously when due."),
		{
			Name:        "list_scheduled",
			Description: "List all scheduled reminders and tasks.",
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				items, err := store.ListScheduledItems(ctx)
				if err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				out := ""
				for _, it := range items {
					out += fmt.Sprintf("[%s] %s (%s) status=%s next=%s\n", it.ID, it.Title, it.Type, it.Status, it.NextRunAt.Format(time.RFC3339))
				}
				return tools.Result{Success: true, Output: out}
			},
		},
		{
			Name:        "cancel_scheduled",
			Description: "Cancel a scheduled item by id.",
			SchemaJSON:  mustSchema(cancelScheduledArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				id, _ := args["id"].(string)
				if err := store.CancelScheduledItem(ctx, id); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: "cancelled " + id}
			},
		},
		{
			Name:        "pause_scheduled",
			Description: "Pause a scheduled item by id.",
			SchemaJSON:  mustSchema(cancelScheduledArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				id, _ := args["id"].(string)
				if err := store.PauseScheduledItem(ctx, id); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: "paused " + id}
			},
		},
		{
			Name:        "resume_scheduled",
			Description: "Resume a paused scheduled item by id.",
			SchemaJSON:  mustSchema(cancelScheduledArgs{}),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				id, _ := args["id"].(string)
				if err := store.ResumeScheduledItem(ctx, id); err != nil {
					return tools.Result{Success: false, Error: err.Error()}
				}
				return tools.Result{Success: true, Output: "resumed " + id}
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func parseScheduleArgs(args map[string]any) (schedule.Spec, error) {
	typ, _ := args["schedule_type"].(string)
	spec := schedule.Spec{Type: schedule.Type(typ)}

	if at, _ := args["at"].(string); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return spec, fmt.Errorf("invalid 'at': %w", err)
		}
		spec.At = t
	}
	if minutes, ok := args["minutes"].(float64); ok {
		spec.Minutes = int(minutes)
	}
	spec.Time, _ = args["time"].(string)
	spec.Day, _ = args["day"].(string)
	if dom, ok := args["day_of_month"].(float64); ok {
		spec.DayOfMonth = int(dom)
	}

	if err := schedule.Validate(spec); err != nil {
		return spec, err
	}
	return spec, nil
}
