package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/watzon/herald/internal/pipeline"
	"github.com/watzon/herald/internal/scheduler"
)

// Table formatting constants.
const (
	schedulesTableWidth = 110
	scheduleNameMaxLen  = 24
	scheduleNameTrunc   = 21
)

var (
	scheduleFile      string
	scheduleTenant    string
	scheduleAssistant string
	scheduleStatus    string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring content schedules",
	Long: `Manage recurring content schedules.

Commands:
  create  Create a schedule from a YAML file
  list    List a tenant's schedules
  pause   Stop a schedule from firing
  resume  Resume a paused schedule
  delete  Delete a schedule`,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule from a YAML file",
	Long: `Create a schedule from a YAML file.

Example file:

  tenant_id: acme
  assistant_id: marketing
  name: Weekly tips
  schedule_type: weekly        # one_time, daily, weekly, monthly
  timezone: America/New_York
  schedule_config:
    hour: 9
    minute: 30
    days_of_week: [0, 3]       # 0=Monday ... 6=Sunday
  request_template:
    request: Share a practical tip about our product
    channels: [facebook, linkedin]
    include_images: true
    brand:
      voice: friendly`,
	RunE: runScheduleCreate,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAction("paused", func(a *app, cmd *cobra.Command, id string) error { return a.schedules.Pause(cmd.Context(), id) }),
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused schedule",
	Long:  `Resume a paused schedule. The next run is computed from now; runs missed while paused are not replayed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAction("resumed", func(a *app, cmd *cobra.Command, id string) error { return a.schedules.Resume(cmd.Context(), id) }),
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAction("deleted", func(a *app, cmd *cobra.Command, id string) error { return a.schedules.Delete(cmd.Context(), id) }),
}

func init() {
	scheduleCreateCmd.Flags().StringVarP(&scheduleFile, "file", "f", "", "Schedule YAML file ('-' for stdin)")
	_ = scheduleCreateCmd.MarkFlagRequired("file")

	scheduleListCmd.Flags().StringVar(&scheduleTenant, "tenant", "", "Tenant ID")
	scheduleListCmd.Flags().StringVar(&scheduleAssistant, "assistant", "", "Only schedules of this assistant")
	scheduleListCmd.Flags().StringVar(&scheduleStatus, "status", "", "Only schedules with this status (active, paused, completed, failed)")
	_ = scheduleListCmd.MarkFlagRequired("tenant")

	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(schedulePauseCmd)
	scheduleCmd.AddCommand(scheduleResumeCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)

	rootCmd.AddCommand(scheduleCmd)
}

// scheduleDocument is the YAML form of a schedule.
type scheduleDocument struct {
	TenantID     string                 `yaml:"tenant_id"`
	AssistantID  string                 `yaml:"assistant_id"`
	CapabilityID string                 `yaml:"capability_id"`
	Name         string                 `yaml:"name"`
	Description  string                 `yaml:"description"`
	Type         scheduler.ScheduleType `yaml:"schedule_type"`
	Timezone     string                 `yaml:"timezone"`
	StartAt      *time.Time             `yaml:"start_at"`
	EndAt        *time.Time             `yaml:"end_at"`
	CreatedBy    string                 `yaml:"created_by"`
	Config       *scheduler.Config      `yaml:"schedule_config"`
	Template     templateDocument       `yaml:"request_template"`
}

type templateDocument struct {
	scheduler.RequestTemplate `yaml:",inline"`
	Brand                     *pipeline.Brand `yaml:"brand"`
}

// parseSchedule decodes a schedule document. Unknown keys are rejected so that
// a misspelled field does not silently fall back to a default.
func parseSchedule(r io.Reader) (*scheduler.Schedule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc scheduleDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("schedule file is empty")
		}
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}

	schedule := &scheduler.Schedule{
		TenantID:     doc.TenantID,
		AssistantID:  doc.AssistantID,
		CapabilityID: doc.CapabilityID,
		Name:         doc.Name,
		Description:  doc.Description,
		Type:         doc.Type,
		Config:       scheduler.DefaultConfig(),
		Template:     doc.Template.RequestTemplate,
		Timezone:     doc.Timezone,
		EndAt:        doc.EndAt,
		CreatedBy:    doc.CreatedBy,
	}
	if doc.Config != nil {
		schedule.Config = *doc.Config
	}
	if doc.StartAt != nil {
		schedule.StartAt = *doc.StartAt
	}
	if doc.Template.Brand != nil {
		brand, err := json.Marshal(doc.Template.Brand)
		if err != nil {
			return nil, fmt.Errorf("encoding brand: %w", err)
		}
		schedule.Template.Brand = brand
	}
	if schedule.CreatedBy == "" {
		schedule.CreatedBy = "cli"
	}
	return schedule, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	data, err := readInput(scheduleFile)
	if err != nil {
		return fmt.Errorf("reading schedule file: %w", err)
	}
	schedule, err := parseSchedule(bytes.NewReader(data))
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.schedules.Create(cmd.Context(), schedule); err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Schedule created.")
	fmt.Fprintf(out, "ID:       %s\n", schedule.ID)
	fmt.Fprintf(out, "Type:     %s\n", schedule.Type)
	fmt.Fprintf(out, "Timezone: %s\n", schedule.Location())
	if schedule.NextRunAt != nil {
		fmt.Fprintf(out, "Next run: %s\n", schedule.NextRunAt.In(schedule.Location()).Format("2006-01-02 15:04 MST"))
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	schedules, err := a.schedules.List(cmd.Context(), scheduler.Filter{
		TenantID:    scheduleTenant,
		AssistantID: scheduleAssistant,
		Status:      scheduler.Status(scheduleStatus),
	}, 0, 0)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(schedules) == 0 {
		fmt.Fprintln(out, "No schedules found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-24s  %-9s  %-9s  %-20s  %s\n", "ID", "NAME", "TYPE", "STATUS", "NEXT RUN", "RUNS")
	fmt.Fprintln(out, strings.Repeat("-", schedulesTableWidth))
	for _, s := range schedules {
		name := s.Name
		if len(name) > scheduleNameMaxLen {
			name = name[:scheduleNameTrunc] + "..."
		}
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.In(s.Location()).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%-36s  %-24s  %-9s  %-9s  %-20s  %d/%d ok\n",
			s.ID, name, s.Type, s.Status, next, s.SuccessfulRuns, s.TotalRuns)
	}
	return nil
}

func runScheduleAction(done string, fn func(a *app, cmd *cobra.Command, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := fn(a, cmd, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s %s.\n", args[0], done)
		return nil
	}
}
