package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"sundial/internal/task/engine"
	"sundial/internal/task/scheduler"
)

// unitConn is the part of *dbus.Conn a systemd job uses.
type unitConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ReloadUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	Close()
}

var systemdActions = map[string]bool{"start": true, "stop": true, "restart": true, "reload": true, "check": true}

// SystemdJob controls one unit through the system bus. "check" fails the run
// when the unit is not active.
type SystemdJob struct {
	Unit   string
	Action string

	connect func(ctx context.Context) (unitConn, error)
}

// NewSystemdJob appends ".service" to bare unit names.
func NewSystemdJob(unit, action string) (*SystemdJob, error) {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return nil, errors.New("unit is empty")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		action = "check"
	}
	if !systemdActions[action] {
		return nil, fmt.Errorf("unknown systemd action %q", action)
	}
	return &SystemdJob{Unit: unit, Action: action, connect: systemBus}, nil
}

func systemBus(ctx context.Context) (unitConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

func (j *SystemdJob) Execute(ctx context.Context, jc *scheduler.JobExecutionContext) error {
	conn, err := j.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if j.Action == "check" {
		return j.check(ctx, conn, jc)
	}

	var op func(context.Context, string, string, chan<- string) (int, error)
	switch j.Action {
	case "start":
		op = conn.StartUnitContext
	case "stop":
		op = conn.StopUnitContext
	case "restart":
		op = conn.RestartUnitContext
	case "reload":
		op = conn.ReloadUnitContext
	}

	done := make(chan string, 1)
	if _, err := op(ctx, j.Unit, "replace", done); err != nil {
		if isNoSuchUnit(err) {
			return engine.NoRetry(fmt.Errorf("%s %s: %w", j.Action, j.Unit, err))
		}
		return fmt.Errorf("%s %s: %w", j.Action, j.Unit, err)
	}
	select {
	case res := <-done:
		jc.SetResult(j.Action + " " + j.Unit + ": " + res)
		if res != "done" {
			return fmt.Errorf("%s %s finished with %q", j.Action, j.Unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *SystemdJob) check(ctx context.Context, conn unitConn, jc *scheduler.JobExecutionContext) error {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{j.Unit})
	if err != nil {
		return fmt.Errorf("status %s: %w", j.Unit, err)
	}
	if len(units) == 0 || units[0].LoadState == "not-found" {
		return engine.NoRetry(fmt.Errorf("unit %s not found", j.Unit))
	}
	u := units[0]
	jc.SetResult(fmt.Sprintf("%s: %s (%s)", u.Name, u.ActiveState, u.SubState))
	jc.SetItem("systemd.active_state", u.ActiveState)
	if u.ActiveState != "active" {
		return fmt.Errorf("unit %s is %s", j.Unit, u.ActiveState)
	}
	return nil
}

// systemd reports missing units as org.freedesktop.systemd1.NoSuchUnit.
func isNoSuchUnit(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NoSuchUnit")
}
