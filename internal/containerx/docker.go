package containerx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forgecore/workerd/internal/errs"
)

// candidateSockets is the ordered list of runtime sockets Docker probes, in
// priority order: the standard root socket, Docker Desktop's per-user socket,
// and the Podman-compatible socket for hosts that only run a Docker-API-
// compatible daemon.
var candidateSockets = []string{
	"/var/run/docker.sock",
	os.Getenv("HOME") + "/.docker/run/docker.sock",
	"/run/podman/podman.sock",
}

// Docker implements Adapter by shelling out to the docker CLI.
type Docker struct {
	once   sync.Once
	dialer string // resolved DOCKER_HOST value; empty means the CLI default
}

// resolveHost probes candidateSockets once and caches whichever responds
// first; the first responsive path wins.
func (d *Docker) resolveHost() string {
	d.once.Do(func() {
		for _, sock := range candidateSockets {
			if info, err := os.Stat(sock); err == nil && info.Mode()&os.ModeSocket != 0 {
				d.dialer = "unix://" + sock
				return
			}
		}
		// Fall back to whatever DOCKER_HOST or the CLI default resolves to.
		d.dialer = ""
	})
	return d.dialer
}

func (d *Docker) cmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // args are built from internal state, not user input.
	if host := d.resolveHost(); host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+host)
	}
	return cmd
}

func (d *Docker) EnsureImage(ctx context.Context, tag string) error {
	cmd := d.cmd(ctx, "image", "inspect", tag)
	if err := cmd.Run(); err == nil {
		return nil
	}
	slog.Info("pulling image", "tag", tag)
	cmd = d.cmd(ctx, "pull", tag)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker pull %s: %s", tag, stderr.String()), err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, imageTag string, mounts []Mount, limits Limits, labels map[string]string) (string, error) {
	args := []string{"create", "--label", OwnerLabel}
	for k, v := range labels {
		args = append(args, "--label", k+"="+v)
	}
	for _, m := range mounts {
		spec := fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target)
		if m.ReadOnly {
			spec += ",readonly"
		}
		args = append(args, "--mount", spec)
	}
	if limits.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(limits.MemoryMB)+"m")
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(limits.CPUs, 'f', -1, 64))
	}
	args = append(args, imageTag, "sleep", "infinity")

	cmd := d.cmd(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker create: %s", stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	cmd := d.cmd(ctx, "start", id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker start %s: %s", id, stderr.String()), err)
	}
	return nil
}

// ExecCapture faithfully reports the exit code of argv, including 0. A
// nonzero code from the process itself is not a Go error; only a failure to
// launch/communicate with docker is.
func (d *Docker) ExecCapture(ctx context.Context, id string, argv, env []string, stdin io.Reader) (ExecResult, error) {
	args := []string{"exec", "-i"}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, id)
	args = append(args, argv...)

	cmd := d.cmd(ctx, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker exec %s", id), err)
	}
	return res, nil
}

func (d *Docker) ExecStream(ctx context.Context, id string, argv, env []string, onLine func(line string)) error {
	args := []string{"exec"}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, id)
	args = append(args, argv...)

	cmd := d.cmd(ctx, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker exec %s", id), err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		_ = pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	return <-done
}

// dockerInteractive wires a docker exec's stdin/stdout/stderr into the
// Interactive contract: a writable stdin that outlives the first read, and
// a channel of combined output lines that closes when the process exits.
type dockerInteractive struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan string
	waitErr chan error
}

func (d *Docker) ExecInteractive(ctx context.Context, id string, argv, env []string) (Interactive, error) {
	args := []string{"exec", "-i"}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, id)
	args = append(args, argv...)

	cmd := d.cmd(ctx, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker exec %s: stdin pipe", id), err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker exec %s", id), err)
	}

	ix := &dockerInteractive{cmd: cmd, stdin: stdin, lines: make(chan string, 64), waitErr: make(chan error, 1)}

	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			ix.lines <- scanner.Text()
		}
		close(ix.lines)
	}()
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		ix.waitErr <- err
	}()

	return ix, nil
}

func (i *dockerInteractive) Stdin() io.WriteCloser { return i.stdin }
func (i *dockerInteractive) Lines() <-chan string  { return i.lines }

func (i *dockerInteractive) Wait() (ExecResult, error) {
	err := <-i.waitErr
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return ExecResult{ExitCode: 0}, nil
	case errors.As(err, &exitErr):
		return ExecResult{ExitCode: exitErr.ExitCode()}, nil
	default:
		return ExecResult{}, errs.Wrap(errs.TransientInfra, "docker exec wait", err)
	}
}

func (i *dockerInteractive) Kill() error {
	if i.cmd.Process == nil {
		return nil
	}
	return i.cmd.Process.Kill()
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := strconv.Itoa(int(grace.Seconds()))
	cmd := d.cmd(ctx, "stop", "--time", secs, id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker stop %s: %s", id, stderr.String()), err)
	}
	return nil
}

// dockerPSEntry mirrors the fields we ask `docker ps --format` to emit as
// JSON, one object per line.
type dockerPSEntry struct {
	ID     string `json:"ID"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

func (d *Docker) List(ctx context.Context, labelSelector map[string]string) ([]Info, error) {
	args := []string{"ps", "--all", "--format", "{{json .}}"}
	for k, v := range labelSelector {
		if v == "" {
			args = append(args, "--filter", "label="+k)
		} else {
			args = append(args, "--filter", "label="+k+"="+v)
		}
	}
	cmd := d.cmd(ctx, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errs.Wrap(errs.TransientInfra, "docker ps", err)
	}

	var infos []Info
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e dockerPSEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		infos = append(infos, Info{ID: e.ID, Image: e.Image, Status: e.State, Labels: parseLabels(e.Labels)})
	}
	return infos, nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (Info, error) {
	cmd := d.cmd(ctx, "inspect", id)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, errs.Wrap(errs.TransientInfra, fmt.Sprintf("docker inspect %s", id), err)
	}
	var raw []struct {
		ID     string `json:"Id"`
		Config struct {
			Image  string            `json:"Image"`
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
		State struct {
			Status string `json:"Status"`
		} `json:"State"`
	}
	if err := json.Unmarshal(out, &raw); err != nil || len(raw) == 0 {
		return Info{}, fmt.Errorf("docker inspect %s: unexpected output", id)
	}
	r := raw[0]
	return Info{ID: r.ID, Image: r.Config.Image, Status: r.State.Status, Labels: r.Config.Labels}, nil
}

// parseLabels turns docker's "k1=v1,k2=v2" label string into a map.
func parseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

var _ Adapter = (*Docker)(nil)
