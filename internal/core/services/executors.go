package services

import (
	"context"
	"fmt"
	"time"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/ports"
)

const buildWaitTimeout = 30 * time.Minute

// BuildExecutor runs a build command to completion, streaming its merged
// output into the job log.
type BuildExecutor struct {
	runner ports.CommandRunner
}

func NewBuildExecutor(runner ports.CommandRunner) *BuildExecutor {
	return &BuildExecutor{runner: runner}
}

func (e *BuildExecutor) Execute(ctx context.Context, job *JobContext) (any, error) {
	params, ok := job.Params.(domain.BuildParams)
	if !ok {
		return nil, fmt.Errorf("build job %s has params of type %T", job.ID, job.Params)
	}
	if len(params.Command.Argv) == 0 {
		return nil, fmt.Errorf("build command is empty")
	}

	handle, err := e.runner.Start(ctx, params.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to start build: %w", err)
	}
	job.SetProgress(10, "building")

	for line := range handle.Lines() {
		job.AppendLog(line)
	}

	code, err := handle.Wait(buildWaitTimeout)
	if err != nil {
		handle.Kill()
		return nil, fmt.Errorf("build did not finish: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("build exited with code %d", code)
	}

	return map[string]any{"exit_code": code}, nil
}

// LaunchExecutor starts the external display server when the display has
// no consumers yet, spawns the app pointed at it, and hands the process
// to the registry for supervision. The job completes once the app is up;
// the app itself keeps running under the liveness monitor.
type LaunchExecutor struct {
	runner   ports.CommandRunner
	launcher ports.DisplayLauncher
	displays *DisplayManager
	procs    *ProcessRegistry
	addrs    *AddressRegistry
	sink     ports.EventSink

	startTimeout time.Duration
}

func NewLaunchExecutor(
	runner ports.CommandRunner,
	launcher ports.DisplayLauncher,
	displays *DisplayManager,
	procs *ProcessRegistry,
	addrs *AddressRegistry,
	sink ports.EventSink,
	startTimeout time.Duration,
) *LaunchExecutor {
	return &LaunchExecutor{
		runner:       runner,
		launcher:     launcher,
		displays:     displays,
		procs:        procs,
		addrs:        addrs,
		sink:         sink,
		startTimeout: startTimeout,
	}
}

func (e *LaunchExecutor) Execute(ctx context.Context, job *JobContext) (any, error) {
	params, ok := job.Params.(domain.LaunchParams)
	if !ok {
		return nil, fmt.Errorf("launch job %s has params of type %T", job.ID, job.Params)
	}
	if params.Name == "" {
		return nil, fmt.Errorf("launch name is required")
	}
	if len(params.Command.Argv) == 0 {
		return nil, fmt.Errorf("launch command is empty")
	}

	port := e.addrs.DisplayPort(params.Display)
	streamPort := params.StreamPort
	if streamPort == 0 {
		streamPort = port
	}

	// The display server is started before any reference is taken; the
	// manager only tracks consumers. Skip the start when the session
	// already has consumers and a server must be up.
	if e.displays.Refs(params.Display) == 0 {
		job.SetProgress(20, "starting display server")
		startCtx, cancel := context.WithTimeout(ctx, e.startTimeout)
		err := e.launcher.Start(startCtx, params.Display, port, nil)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to start display :%d: %w", params.Display, err)
		}
		job.AppendLog(fmt.Sprintf("display :%d up on port %d", params.Display, port))
	}

	job.SetProgress(60, "launching app")
	spec := params.Command
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["DISPLAY"] = fmt.Sprintf(":%d", params.Display)
	spec.Env = env

	handle, err := e.runner.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", params.Name, err)
	}

	if err := e.procs.Register(params.Name, handle.Pid(), params.Display, streamPort); err != nil {
		handle.Kill()
		return nil, fmt.Errorf("failed to register %s: %w", params.Name, err)
	}

	go e.forwardOutput(params.Name, job.ID, handle)

	job.AppendLog(fmt.Sprintf("%s launched with pid %d on display :%d", params.Name, handle.Pid(), params.Display))
	return map[string]any{
		"name":        params.Name,
		"pid":         handle.Pid(),
		"display":     params.Display,
		"stream_port": streamPort,
	}, nil
}

// forwardOutput drains the app's output into the observer stream for the
// lifetime of the process. The launch job is typically terminal by then,
// so lines go to the sink, not the job log.
func (e *LaunchExecutor) forwardOutput(name, jobID string, handle ports.Handle) {
	for line := range handle.Lines() {
		if e.sink == nil {
			continue
		}
		e.sink.Emit(domain.Event{
			Type:  domain.EventLog,
			JobID: jobID,
			Name:  name,
			Line:  line,
			Time:  time.Now(),
		})
	}
	logger.Debug("App output stream closed", "name", name)
}
