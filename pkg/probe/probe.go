package probe

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/sshconn"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// Config tunes the probe's timeouts and transcript bound.
type Config struct {
	StepTimeout   time.Duration
	TranscriptCap int
}

// DefaultConfig matches spec.md's defaults: a generous per-step timeout
// (fact collection can legitimately take a few seconds on a loaded host)
// and a transcript bound sized for operator debugging, not forensics.
func DefaultConfig() Config {
	return Config{
		StepTimeout:   20 * time.Second,
		TranscriptCap: 16 * 1024,
	}
}

// StepResult is the outcome of one of the five validation steps.
type StepResult struct {
	Name     string
	Passed   bool
	Detail   string
	Duration time.Duration
}

// Report is the Host Probe's structured result: every step attempted
// (stopping at the first failure), the facts collected if the probe got
// that far, the environment classification, and a size-bounded debug
// transcript.
type Report struct {
	Steps         []StepResult
	Facts         types.HostFacts
	Environment   types.EnvironmentKind
	Transcript    string
	TotalDuration time.Duration
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,62})?)*$`)

// Run performs the five-step validation against host, stopping at the
// first failure: address format, TCP reach, credential usability, an
// echo sentinel, and fact collection. It always returns a non-nil
// Report, even on failure, so the caller can inspect every step
// attempted; err is non-nil iff any step failed.
func Run(ctx context.Context, dialer *sshconn.Dialer, host *types.Host, kind types.CredentialKind, secret []byte, cfg Config) (*Report, error) {
	start := time.Now()
	report := &Report{Environment: types.EnvironmentUnknown}
	var transcript strings.Builder

	record := func(name string, stepStart time.Time, passed bool, detail string) {
		report.Steps = append(report.Steps, StepResult{
			Name: name, Passed: passed, Detail: detail, Duration: time.Since(stepStart),
		})
		appendTranscript(&transcript, cfg.TranscriptCap, fmt.Sprintf("[%s] passed=%v %s\n", name, passed, detail))
	}

	// 1. Address format.
	stepStart := time.Now()
	if !validAddress(host.Address) {
		record("address-format", stepStart, false, fmt.Sprintf("invalid address %q", host.Address))
		report.Transcript = transcript.String()
		report.TotalDuration = time.Since(start)
		return report, ctlerr.New(ctlerr.Unreachable, "invalid address format")
	}
	record("address-format", stepStart, true, host.Address)

	// 2. TCP reach.
	stepStart = time.Now()
	addr := net.JoinHostPort(host.Address, strconv.Itoa(host.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.StepTimeout)
	if err != nil {
		record("tcp-reach", stepStart, false, err.Error())
		report.Transcript = transcript.String()
		report.TotalDuration = time.Since(start)
		return report, ctlerr.Wrap(ctlerr.Unreachable, fmt.Sprintf("dial %s", addr), err)
	}
	conn.Close()
	record("tcp-reach", stepStart, true, addr)

	// 3. Credential usable.
	stepStart = time.Now()
	sess, err := dialer.Open(ctx, host, kind, secret)
	if err != nil {
		record("credential-usable", stepStart, false, err.Error())
		report.Transcript = transcript.String()
		report.TotalDuration = time.Since(start)
		return report, err
	}
	defer sess.Close()
	record("credential-usable", stepStart, true, string(host.AuthKind))

	// 4. Echo sentinel.
	stepStart = time.Now()
	sentinel := uuid.NewString()
	res, err := sess.Execute(ctx, []string{"echo", sentinel}, cfg.StepTimeout)
	if err != nil || res.ExitCode != 0 || !strings.Contains(res.Stdout, sentinel) {
		detail := "sentinel mismatch"
		if err != nil {
			detail = err.Error()
		}
		record("echo-sentinel", stepStart, false, detail)
		report.Transcript = transcript.String()
		report.TotalDuration = time.Since(start)
		return report, ctlerr.New(ctlerr.CommandFailed, "echo sentinel check failed")
	}
	record("echo-sentinel", stepStart, true, sentinel)

	// 5. Fact collection.
	stepStart = time.Now()
	res, err = sess.Execute(ctx, []string{"sh", "-c", factsScript}, cfg.StepTimeout)
	if err != nil || res.ExitCode != 0 {
		detail := "facts script failed"
		if err != nil {
			detail = err.Error()
		}
		record("fact-collection", stepStart, false, detail)
		report.Transcript = transcript.String()
		report.TotalDuration = time.Since(start)
		return report, ctlerr.New(ctlerr.CommandFailed, "fact collection failed")
	}
	facts := parseFacts(res.Stdout)
	report.Facts = facts
	report.Environment = classifyEnvironment(res.Stdout)
	record("fact-collection", stepStart, true, fmt.Sprintf("cpu=%d mem_gb=%.1f env=%s", facts.CPUCores, facts.MemoryGB, report.Environment))

	report.Transcript = transcript.String()
	report.TotalDuration = time.Since(start)
	return report, nil
}

func validAddress(addr string) bool {
	if addr == "" {
		return false
	}
	if net.ParseIP(addr) != nil {
		return true
	}
	return hostnameRe.MatchString(addr)
}

// parseFacts extracts each fact independently from the script's JSON
// payload: a field that is missing, non-numeric where a number is
// expected, or equal to the script's own "unknown" sentinel is recorded
// by name in Unknown rather than failing the whole parse.
func parseFacts(payload string) types.HostFacts {
	jsonStart := strings.IndexByte(payload, '{')
	if jsonStart < 0 {
		return types.HostFacts{Unknown: []string{"cpu_cores", "mem_kb", "disk_kb", "os_family", "os_version", "kernel", "sudo"}}
	}
	payload = payload[jsonStart:]

	facts := types.HostFacts{}
	var unknown []string

	if v := gjson.Get(payload, "cpu_cores").String(); v != "" && v != "unknown" {
		if n, err := strconv.Atoi(v); err == nil {
			facts.CPUCores = n
		} else {
			unknown = append(unknown, "cpu_cores")
		}
	} else {
		unknown = append(unknown, "cpu_cores")
	}

	if v := gjson.Get(payload, "mem_kb").String(); v != "" && v != "unknown" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			facts.MemoryGB = n / (1024 * 1024)
		} else {
			unknown = append(unknown, "mem_kb")
		}
	} else {
		unknown = append(unknown, "mem_kb")
	}

	if v := gjson.Get(payload, "disk_kb").String(); v != "" && v != "unknown" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			facts.DiskGB = n / (1024 * 1024)
		} else {
			unknown = append(unknown, "disk_kb")
		}
	} else {
		unknown = append(unknown, "disk_kb")
	}

	if v := gjson.Get(payload, "os_family").String(); v != "" && v != "unknown" {
		facts.OSFamily = v
	} else {
		unknown = append(unknown, "os_family")
	}

	if v := gjson.Get(payload, "os_version").String(); v != "" && v != "unknown" {
		facts.OSVersion = v
	} else {
		unknown = append(unknown, "os_version")
	}

	if v := gjson.Get(payload, "kernel").String(); v != "" && v != "unknown" {
		facts.Kernel = v
	} else {
		unknown = append(unknown, "kernel")
	}

	if v := gjson.Get(payload, "sudo").String(); v == "yes" {
		facts.Sudo = true
	} else if v != "no" {
		unknown = append(unknown, "sudo")
	}

	facts.Environment = classifyEnvironment(payload)
	facts.Unknown = unknown
	return facts
}

func classifyEnvironment(payload string) types.EnvironmentKind {
	jsonStart := strings.IndexByte(payload, '{')
	if jsonStart < 0 {
		return types.EnvironmentUnknown
	}
	payload = payload[jsonStart:]

	inContainer := gjson.Get(payload, "in_container").String()
	dockerSocket := gjson.Get(payload, "docker_socket").String()

	switch {
	case inContainer == "yes":
		return types.EnvironmentContainerNested
	case dockerSocket == "yes":
		return types.EnvironmentContainerHost
	case inContainer == "no" && dockerSocket == "no":
		return types.EnvironmentMetalOrVM
	default:
		return types.EnvironmentUnknown
	}
}

func appendTranscript(b *strings.Builder, cap int, s string) {
	if b.Len() >= cap {
		return
	}
	if b.Len()+len(s) > cap {
		s = s[:cap-b.Len()] + "...(truncated)\n"
	}
	b.WriteString(s)
}
