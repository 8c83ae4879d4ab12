package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultProbeTimeout bounds each individual check.
const DefaultProbeTimeout = 10 * time.Second

// Endpoint is one HTTP health check target.
type Endpoint struct {
	// Name identifies the service in results and logs.
	Name string

	// URL is probed with a GET; any 2xx response counts as healthy.
	URL string
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"` // "http" or "container"
	Healthy  bool          `json:"healthy"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Status aggregates one probe round. The stack is healthy only when every
// check passed.
type Status struct {
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Failing returns the names of the checks that did not pass.
func (s Status) Failing() []string {
	var out []string
	for _, c := range s.Checks {
		if !c.Healthy {
			out = append(out, c.Name)
		}
	}
	return out
}

// CommandRunner executes a shell command on the stack host. The SSH runner
// implements it; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Config wires a Prober.
type Config struct {
	// Timeout bounds each individual check. Zero means DefaultProbeTimeout.
	Timeout time.Duration

	// Endpoints are the HTTP health checks.
	Endpoints []Endpoint

	// Runner executes container checks on the stack host. Nil disables them.
	Runner CommandRunner

	// Containers are docker container names whose health state is inspected
	// through Runner.
	Containers []string

	Logger zerolog.Logger
}

// Prober runs the configured checks. Checks within one probe round run
// concurrently; each is bounded by the probe timeout.
type Prober struct {
	timeout    time.Duration
	endpoints  []Endpoint
	runner     CommandRunner
	containers []string
	client     *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewProber validates the config and builds a Prober.
func NewProber(cfg Config) (*Prober, error) {
	if len(cfg.Endpoints) == 0 && len(cfg.Containers) == 0 {
		return nil, fmt.Errorf("prober requires at least one endpoint or container check")
	}
	if len(cfg.Containers) > 0 && cfg.Runner == nil {
		return nil, fmt.Errorf("container checks require a command runner")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		timeout:    timeout,
		endpoints:  cfg.Endpoints,
		runner:     cfg.Runner,
		containers: cfg.Containers,
		client:     &http.Client{Timeout: timeout},
		logger:     cfg.Logger.With().Str("component", "health").Logger(),
		now:        time.Now,
	}, nil
}

// Probe runs every configured check once and aggregates the results.
func (p *Prober) Probe(ctx context.Context) Status {
	total := len(p.endpoints) + len(p.containers)
	results := make([]CheckResult, total)

	var wg sync.WaitGroup
	for i, ep := range p.endpoints {
		wg.Add(1)
		go func(slot int, ep Endpoint) {
			defer wg.Done()
			results[slot] = p.checkEndpoint(ctx, ep)
		}(i, ep)
	}
	for i, name := range p.containers {
		wg.Add(1)
		go func(slot int, name string) {
			defer wg.Done()
			results[slot] = p.checkContainer(ctx, name)
		}(len(p.endpoints)+i, name)
	}
	wg.Wait()

	status := Status{
		Healthy:   true,
		Checks:    results,
		CheckedAt: p.now().UTC(),
	}
	for _, c := range results {
		if !c.Healthy {
			status.Healthy = false
			p.logger.Warn().
				Str("check", c.Name).
				Str("kind", c.Kind).
				Str("detail", c.Detail).
				Msg("health check failed")
		}
	}
	return status
}

func (p *Prober) checkEndpoint(ctx context.Context, ep Endpoint) CheckResult {
	start := p.now()
	result := CheckResult{Name: ep.Name, Kind: "http"}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		result.Detail = fmt.Sprintf("invalid URL: %v", err)
		result.Duration = p.now().Sub(start)
		return result
	}

	resp, err := p.client.Do(req)
	if err != nil {
		result.Detail = err.Error()
		result.Duration = p.now().Sub(start)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		result.Healthy = true
	} else {
		result.Detail = resp.Status
	}
	result.Duration = p.now().Sub(start)
	return result
}

// checkContainer inspects the docker health state of a named container on
// the stack host. Containers without a healthcheck report "running", which
// counts as healthy.
func (p *Prober) checkContainer(ctx context.Context, name string) CheckResult {
	start := p.now()
	result := CheckResult{Name: name, Kind: "container"}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := fmt.Sprintf(
		`docker inspect -f '{{if .State.Health}}{{.State.Health.Status}}{{else}}{{.State.Status}}{{end}}' %s`,
		name)
	out, err := p.runner.Run(ctx, cmd)
	if err != nil {
		result.Detail = err.Error()
		result.Duration = p.now().Sub(start)
		return result
	}

	switch stateName := strings.TrimSpace(out); stateName {
	case "healthy", "running":
		result.Healthy = true
	default:
		result.Detail = fmt.Sprintf("container state %q", stateName)
	}
	result.Duration = p.now().Sub(start)
	return result
}
