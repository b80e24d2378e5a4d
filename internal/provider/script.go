package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// ScriptProvider shells out to a configured external program for
// prepare/update/claim/remove/commands, and builds a RunSpec (rather
// than executing immediately) for run/exec. The action name is argv[1],
// a JSON payload travels on stdin, JSON comes back on stdout, and a
// nonzero exit is failure.
type ScriptProvider struct {
	unsupported
	Path string
}

type scriptPreparePayload struct {
	ProjectPath string `json:"project_path"`
	EnvID       string `json:"env_id"`
}

type scriptMetadataPayload struct {
	Metadata Metadata `json:"metadata"`
}

type scriptRunPayload struct {
	Metadata Metadata `json:"metadata"`
	Command  string   `json:"command"`
	Args     []string `json:"args"`
}

func (p ScriptProvider) Prepare(ctx context.Context, projectPath, envID string, sink LogSink) (Metadata, error) {
	var out scriptMetadataPayload
	if err := p.invoke(ctx, "prepare", scriptPreparePayload{ProjectPath: projectPath, EnvID: envID}, &out, envID, sink); err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (p ScriptProvider) Update(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	var out scriptMetadataPayload
	envID, _ := metadata["env_id"].(string)
	if err := p.invoke(ctx, "update", scriptMetadataPayload{Metadata: metadata}, &out, envID, sink); err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (p ScriptProvider) Claim(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	var out scriptMetadataPayload
	envID, _ := metadata["env_id"].(string)
	if err := p.invoke(ctx, "claim", scriptMetadataPayload{Metadata: metadata}, &out, envID, sink); err != nil {
		return nil, err
	}
	return out.Metadata, nil
}

func (p ScriptProvider) Remove(ctx context.Context, metadata Metadata, sink LogSink) error {
	envID, _ := metadata["env_id"].(string)
	return p.invoke(ctx, "remove", scriptMetadataPayload{Metadata: metadata}, nil, envID, sink)
}

func (p ScriptProvider) ExecCommands(ctx context.Context, metadata Metadata) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := p.invoke(ctx, "commands", scriptMetadataPayload{Metadata: metadata}, &out, "", nil); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func (p ScriptProvider) Run(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	payload, err := json.Marshal(scriptRunPayload{Metadata: metadata, Command: command, Args: args})
	if err != nil {
		return RunSpec{}, fmt.Errorf("script provider: marshal run payload: %w", err)
	}
	return RunSpec{Program: p.Path, Args: []string{"run"}, Stdin: payload}, nil
}

func (p ScriptProvider) Exec(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return RunSpec{}, fmt.Errorf("script provider: marshal exec metadata: %w", err)
	}
	return RunSpec{
		Program: p.Path,
		Args:    append([]string{"exec", command}, args...),
		Env:     map[string]string{"WORK_ENV_METADATA": string(metaJSON)},
	}, nil
}

// invoke runs the script with action as argv[1], payload marshaled to
// stdin, and (if out is non-nil) the script's stdout unmarshaled into
// it. Stderr is appended to sink if provided, else left to inherit.
func (p ScriptProvider) invoke(ctx context.Context, action string, payload any, out any, envID string, sink LogSink) error {
	stdin, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("script provider: marshal %s payload: %w", action, err)
	}

	cmd := exec.CommandContext(ctx, p.Path, action)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if sink != nil && envID != "" {
		cmd.Stderr = &stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		if sink != nil && stderr.Len() > 0 {
			logAppend(sink, envID, fmt.Sprintf("%s: stderr: %s", p.Path, stderr.String()))
		}
		return fmt.Errorf("script provider: %s %s: %w", p.Path, action, err)
	}
	if sink != nil && stderr.Len() > 0 {
		logAppend(sink, envID, fmt.Sprintf("%s: stderr: %s", p.Path, stderr.String()))
	}

	if out == nil || stdout.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("script provider: decode %s output: %w", action, err)
	}
	return nil
}
