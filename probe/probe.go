// Package probe detects the logged-on user of fleet machines. Detection
// runs remotely (console session first, then interactive sessions) and
// failures are classified into a fixed code set; connectivity diagnosis
// runs only after a failure so the happy path stays fast.
package probe

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "probe_detections_total",
	Help: "Logged-user probes by outcome code.",
}, []string{"outcome"})

// Failure codes.
const (
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeMachineOffline   = "MACHINE_OFFLINE"
	CodeDNSFailed        = "DNS_RESOLUTION_FAILED"
	CodePort135Blocked   = "PORT_135_BLOCKED"
	CodePort5985Blocked  = "PORT_5985_BLOCKED"
	CodePort5986Blocked  = "PORT_5986_BLOCKED"
	CodeWinRMDisabled    = "WINRM_DISABLED"
	CodeRPCUnavailable   = "RPC_UNAVAILABLE"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeTimeoutExpired   = "TIMEOUT_EXPIRED"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeUnknown          = "UNKNOWN_ERROR"

	// Escalation marker when no elevated credentials are configured.
	markerNoCredentials = "NO_CREDENTIALS"
)

// Detection methods.
const (
	MethodConsole = "CONSOLE"
	MethodRDP     = "RDP_SESSION"
)

// Connectivity is the post-failure diagnosis map.
type Connectivity struct {
	DNSResolves bool `json:"dns_resolution"`
	Ping        bool `json:"ping"`
	Port135     bool `json:"rpc_port"`
	Port5985    bool `json:"winrm_http"`
	Port5986    bool `json:"winrm_https"`
}

// Failure describes an unsuccessful probe.
type Failure struct {
	Code         string        `json:"code"`
	Message      string        `json:"message,omitempty"`
	Connectivity *Connectivity `json:"connectivity,omitempty"`
	Escalation   []string      `json:"escalation,omitempty"`
}

// Result is the outcome of probing one host.
type Result struct {
	Host    string   `json:"computer_name"`
	User    string   `json:"usuario_atual,omitempty"`
	RawUser string   `json:"raw_user,omitempty"`
	Method  string   `json:"detection_method,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func (r *Result) Success() bool {
	return r.Failure == nil
}

// Status collapses the outcome into the coarse buckets the inventory UI
// renders: ok, no_user, unreachable, error.
func (r *Result) Status() string {
	switch {
	case r.Failure == nil:
		return "ok"
	case r.Failure.Code == CodeUserNotFound:
		return "no_user"
	case r.Failure.Code == CodeMachineOffline, r.Failure.Code == CodeDNSFailed:
		return "unreachable"
	default:
		return "error"
	}
}

// Executor runs a remote detection or management command against a host
// and returns its combined output. Implementations carry their own
// transport and credentials.
type Executor interface {
	Run(ctx context.Context, host string, command string) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, host, command string) (string, error)

func (f ExecutorFunc) Run(ctx context.Context, host, command string) (string, error) {
	return f(ctx, host, command)
}

// PowerShellExecutor shells out to the local PowerShell host. The probe
// service is expected to run on a management box inside the domain.
func PowerShellExecutor(timeout time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, host, command string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", command).CombinedOutput()
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), context.DeadlineExceeded
		}
		return string(out), err
	})
}

// RemotePowerShellExecutor wraps the command in Invoke-Command so it
// executes on the target host over WinRM.
func RemotePowerShellExecutor(timeout time.Duration) Executor {
	local := PowerShellExecutor(timeout)
	return ExecutorFunc(func(ctx context.Context, host, command string) (string, error) {
		wrapped := fmt.Sprintf("Invoke-Command -ComputerName %s -ScriptBlock { %s }", host, command)
		return local.Run(ctx, host, wrapped)
	})
}

// PsExecExecutor runs commands through the remote-exec side channel
// with elevated credentials. Used only for escalation.
func PsExecExecutor(username, password string, timeout time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, host, command string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		args := []string{`\\` + host, "-u", username, "-p", password, "-h", "-accepteula"}
		args = append(args, strings.Fields(command)...)
		out, err := exec.CommandContext(ctx, "psexec", args...).CombinedOutput()
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), context.DeadlineExceeded
		}
		return string(out), err
	})
}

// Failure classes worth an escalation attempt before giving up.
var escalatableCodes = map[string]bool{
	CodeWinRMDisabled:    true,
	CodeRPCUnavailable:   true,
	CodeConnectionFailed: true,
	CodeTimeoutExpired:   true,
}

type Prober struct {
	executor Executor
	// escalator runs the side-channel remote-exec path with elevated
	// credentials. Nil when those are not configured.
	escalator Executor
	log       *zap.Logger

	escalationWait time.Duration

	// Diagnosis primitives, overridable in tests.
	lookupHost func(ctx context.Context, host string) error
	ping       func(ctx context.Context, host string) bool
	dialPort   func(ctx context.Context, host string, port int) bool
	sleep      func(ctx context.Context, d time.Duration)
}

func NewProber(executor, escalator Executor, log *zap.Logger) *Prober {
	return &Prober{
		executor:       executor,
		escalator:      escalator,
		log:            log,
		escalationWait: 2 * time.Second,
		lookupHost: func(ctx context.Context, host string) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		},
		ping: func(ctx context.Context, host string) bool {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return exec.CommandContext(ctx, "ping", "-n", "1", "-w", "3000", host).Run() == nil
		},
		dialPort: func(ctx context.Context, host string, port int) bool {
			d := net.Dialer{Timeout: 3 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
			if err != nil {
				return false
			}
			conn.Close()
			return true
		},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// detectionCommand queries the console user first, then scans the
// session list for an active interactive session.
func detectionCommand(host string) string {
	return fmt.Sprintf(`
$ErrorActionPreference = "Stop"
try {
    $consoleUser = $null
    try {
        $consoleUser = (Get-CimInstance Win32_ComputerSystem -ComputerName %[1]s -OperationTimeoutSec 8).UserName
    } catch { }
    if ($consoleUser) {
        Write-Output "USER:$consoleUser"
        Write-Output "METHOD:CONSOLE"
        exit
    }
    $activeUser = $null
    try {
        $sessions = quser /server:%[1]s 2>$null | Select-Object -Skip 1
        foreach ($session in $sessions) {
            if ($session -match '^\s*(\S+)\s+' -and $session -match 'Active|Ativo') {
                $userName = $matches[1].Trim()
                if ($userName -and $userName -ne 'USERNAME' -and $userName -notmatch 'services|console|SYSTEM') {
                    $activeUser = $userName
                    break
                }
            }
        }
    } catch { }
    if ($activeUser) {
        Write-Output "USER:$activeUser"
        Write-Output "METHOD:RDP_SESSION"
        exit
    }
    Write-Output "STATUS:NO_USER_LOGGED"
} catch {
    $msg = $_.Exception.Message
    if ($msg -match "Access.*denied" -or $msg -match "permission") {
        Write-Output "ERROR:ACCESS_DENIED"
    } elseif ($msg -match "RPC" -or $msg -match "endpoint") {
        Write-Output "ERROR:RPC_UNAVAILABLE"
    } elseif ($msg -match "WinRM" -or $msg -match "WSMan") {
        Write-Output "ERROR:WINRM_DISABLED"
    } elseif ($msg -match "timeout" -or $msg -match "time.*out") {
        Write-Output "ERROR:TIMEOUT_EXPIRED"
    } elseif ($msg -match "network.*unreachable" -or $msg -match "host.*not.*found") {
        Write-Output "ERROR:MACHINE_OFFLINE"
    } else {
        Write-Output "ERROR:UNKNOWN:$msg"
    }
}`, host)
}

const escalationCommand = "winrm quickconfig -q"

// Probe detects the logged user for one host. On recoverable failures
// it may escalate once through the side channel and re-probe.
func (p *Prober) Probe(ctx context.Context, host string) *Result {
	result := p.attempt(ctx, host)
	if result.Success() {
		probesTotal.WithLabelValues("success").Inc()
		return result
	}

	if escalatableCodes[result.Failure.Code] {
		if p.escalator == nil {
			result.Failure.Escalation = append(result.Failure.Escalation, markerNoCredentials)
		} else if escErr := p.escalate(ctx, host); escErr == nil {
			p.sleep(ctx, p.escalationWait)
			retry := p.attempt(ctx, host)
			if retry.Success() {
				probesTotal.WithLabelValues("success").Inc()
				return retry
			}
			retry.Failure.Escalation = append(retry.Failure.Escalation, "ESCALATED")
			result = retry
		} else {
			result.Failure.Escalation = append(result.Failure.Escalation, "ESCALATION_FAILED")
			p.log.Warn("escalation failed", zap.String("host", host), zap.Error(escErr))
		}
	}

	// Diagnose only after all detection paths failed.
	conn, code := p.diagnose(ctx, host)
	result.Failure.Connectivity = &conn
	if code == CodeMachineOffline || code == CodeDNSFailed {
		result.Failure.Code = code
	}
	probesTotal.WithLabelValues(result.Failure.Code).Inc()
	return result
}

func (p *Prober) attempt(ctx context.Context, host string) *Result {
	result := &Result{Host: host}

	out, err := p.executor.Run(ctx, host, detectionCommand(host))
	if err != nil {
		result.Failure = &Failure{Code: classifyError(err, out), Message: err.Error()}
		return result
	}

	var rawUser, method string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "USER:"):
			rawUser = strings.TrimSpace(strings.TrimPrefix(line, "USER:"))
		case strings.HasPrefix(line, "METHOD:"):
			method = strings.TrimSpace(strings.TrimPrefix(line, "METHOD:"))
		case line == "STATUS:NO_USER_LOGGED":
			result.Failure = &Failure{Code: CodeUserNotFound, Message: "no active user detected"}
			return result
		case strings.HasPrefix(line, "ERROR:"):
			marker := strings.TrimPrefix(line, "ERROR:")
			result.Failure = &Failure{Code: classifyMarker(marker), Message: marker}
			return result
		}
	}

	if rawUser == "" {
		result.Failure = &Failure{Code: CodeUserNotFound, Message: "no active user detected"}
		return result
	}

	result.RawUser = rawUser
	result.User = FormatUsername(rawUser)
	result.Method = method
	if result.Method == "" {
		result.Method = MethodConsole
	}
	return result
}

func (p *Prober) escalate(ctx context.Context, host string) error {
	p.log.Info("escalating through side channel", zap.String("host", host))
	_, err := p.escalator.Run(ctx, host, escalationCommand)
	return err
}

// diagnose probes DNS, ICMP and the RPC/WinRM ports, returning the map
// and the most specific failure code it implies ("" when everything is
// reachable).
func (p *Prober) diagnose(ctx context.Context, host string) (Connectivity, string) {
	var conn Connectivity

	if err := p.lookupHost(ctx, host); err != nil {
		return conn, CodeDNSFailed
	}
	conn.DNSResolves = true

	conn.Ping = p.ping(ctx, host)
	if !conn.Ping {
		return conn, CodeMachineOffline
	}

	conn.Port135 = p.dialPort(ctx, host, 135)
	conn.Port5985 = p.dialPort(ctx, host, 5985)
	conn.Port5986 = p.dialPort(ctx, host, 5986)

	switch {
	case !conn.Port135:
		return conn, CodePort135Blocked
	case !conn.Port5985 && !conn.Port5986:
		return conn, CodePort5985Blocked
	}
	return conn, ""
}

// classifyMarker maps a detection-script error marker to a code.
func classifyMarker(marker string) string {
	switch {
	case strings.Contains(marker, "ACCESS_DENIED"):
		return CodeAccessDenied
	case strings.Contains(marker, "RPC_UNAVAILABLE"):
		return CodeRPCUnavailable
	case strings.Contains(marker, "WINRM_DISABLED"):
		return CodeWinRMDisabled
	case strings.Contains(marker, "TIMEOUT_EXPIRED"):
		return CodeTimeoutExpired
	case strings.Contains(marker, "MACHINE_OFFLINE"):
		return CodeMachineOffline
	default:
		return CodeUnknown
	}
}

// classifyError maps a transport-level failure to a code.
func classifyError(err error, output string) string {
	text := strings.ToLower(err.Error() + " " + output)
	switch {
	case strings.Contains(text, "context deadline exceeded") || strings.Contains(text, "timeout") || strings.Contains(text, "timed out"):
		return CodeTimeoutExpired
	case strings.Contains(text, "access denied") || strings.Contains(text, "access is denied") || strings.Contains(text, "permission"):
		return CodeAccessDenied
	case strings.Contains(text, "rpc"):
		return CodeRPCUnavailable
	case strings.Contains(text, "winrm") || strings.Contains(text, "wsman"):
		return CodeWinRMDisabled
	case strings.Contains(text, "no such host"):
		return CodeDNSFailed
	default:
		return CodeConnectionFailed
	}
}

// FormatUsername normalizes DOMAIN\user.name to Domain\User.Name.
func FormatUsername(raw string) string {
	if raw == "" {
		return raw
	}
	domain, user := "", raw
	if i := strings.Index(raw, `\`); i >= 0 {
		domain, user = raw[:i], raw[i+1:]
	}

	parts := strings.Split(user, ".")
	for i, part := range parts {
		parts[i] = titleCase(part)
	}
	user = strings.Join(parts, ".")

	if domain == "" {
		return user
	}
	return titleCase(domain) + `\` + user
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
