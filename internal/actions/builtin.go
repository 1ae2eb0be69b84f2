package actions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// install runs the shared idempotency protocol: a live install against the
// same (type, target) short-circuits to "already_<effect>" with the
// original token, otherwise apply runs and the result is recorded.
func install(a Action, ledger *Ledger, target string, params map[string]any, effect string, apply func() (string, error)) (Result, error) {
	if prior, ok := ledger.Active(a.Type(), target); ok {
		return Result{
			Message:     "already_" + effect,
			Reversible:  true,
			RevertToken: prior.Token,
		}, nil
	}

	msg, err := apply()
	if err != nil {
		return Result{}, err
	}
	token := ledger.Record(a.Type(), target, params, msg)
	return Result{Message: msg, Reversible: true, RevertToken: token}, nil
}

// revert runs the shared revert protocol: unknown tokens fail, already
// reverted tokens replay their recorded result, otherwise undo runs.
func revert(ledger *Ledger, token string, undo func(inst Install) (string, error)) (string, error) {
	inst, ok := ledger.Get(token)
	if !ok {
		return "", ErrUnknownToken
	}
	if inst.Reverted {
		return inst.RevertResult, nil
	}
	msg, err := undo(inst)
	if err != nil {
		return "", err
	}
	ledger.MarkReverted(token, msg)
	return msg, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(out))
	}
	return nil
}

// logOnly records the incident and changes nothing on the data plane.
type logOnly struct{}

func (a *logOnly) Type() string { return "log_only" }

func (a *logOnly) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	log.Info().Str("target", target).Msg("incident recorded, no enforcement")
	return Result{Message: "recorded", Reversible: false}, nil
}

func (a *logOnly) Revert(ctx context.Context, token string) (string, error) {
	return "", ErrNotReversible
}

// rateLimit throttles a source with an iptables limit rule.
type rateLimit struct {
	cfg    Config
	ledger *Ledger
}

func (a *rateLimit) Type() string { return "rate_limit" }

func (a *rateLimit) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	rate, _ := params["rate"].(string)
	if rate == "" {
		rate = "10/second"
	}
	return install(a, a.ledger, target, params, "rate_limited", func() (string, error) {
		if !a.cfg.Production {
			return "simulated_rate_limit", nil
		}
		if err := runCommand(ctx, "iptables",
			"-I", "INPUT", "-s", target,
			"-m", "limit", "--limit", rate, "-j", "ACCEPT"); err != nil {
			return "", err
		}
		if err := runCommand(ctx, "iptables", "-A", "INPUT", "-s", target, "-j", "DROP"); err != nil {
			return "", err
		}
		return "rate_limited", nil
	})
}

func (a *rateLimit) Revert(ctx context.Context, token string) (string, error) {
	return revert(a.ledger, token, func(inst Install) (string, error) {
		if !a.cfg.Production {
			return "simulated_rate_limit_removed", nil
		}
		rate, _ := inst.Params["rate"].(string)
		if rate == "" {
			rate = "10/second"
		}
		if err := runCommand(ctx, "iptables",
			"-D", "INPUT", "-s", inst.Target,
			"-m", "limit", "--limit", rate, "-j", "ACCEPT"); err != nil {
			return "", err
		}
		if err := runCommand(ctx, "iptables", "-D", "INPUT", "-s", inst.Target, "-j", "DROP"); err != nil {
			return "", err
		}
		return "rate_limit_removed", nil
	})
}

// blockIP drops all traffic from a source address.
type blockIP struct {
	cfg    Config
	ledger *Ledger
}

func (a *blockIP) Type() string { return "block_ip" }

func (a *blockIP) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	return install(a, a.ledger, target, params, "blocked", func() (string, error) {
		if !a.cfg.Production {
			return "simulated_block", nil
		}
		if err := runCommand(ctx, "iptables", "-I", "INPUT", "-s", target, "-j", "DROP"); err != nil {
			return "", err
		}
		return "blocked", nil
	})
}

func (a *blockIP) Revert(ctx context.Context, token string) (string, error) {
	return revert(a.ledger, token, func(inst Install) (string, error) {
		if !a.cfg.Production {
			return "simulated_unblock", nil
		}
		if err := runCommand(ctx, "iptables", "-D", "INPUT", "-s", inst.Target, "-j", "DROP"); err != nil {
			return "", err
		}
		return "unblocked", nil
	})
}

// isolateContainer detaches a container from its network via the Docker API.
type isolateContainer struct {
	cfg    Config
	ledger *Ledger

	once   sync.Once
	cli    *dockerclient.Client
	cliErr error
}

func (a *isolateContainer) Type() string { return "isolate_container" }

func (a *isolateContainer) client() (*dockerclient.Client, error) {
	a.once.Do(func() {
		a.cli, a.cliErr = dockerclient.NewClientWithOpts(
			dockerclient.FromEnv,
			dockerclient.WithAPIVersionNegotiation(),
		)
	})
	return a.cli, a.cliErr
}

func (a *isolateContainer) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	container, _ := params["container"].(string)
	if container == "" {
		container = target
	}
	return install(a, a.ledger, target, params, "isolated", func() (string, error) {
		if !a.cfg.Production {
			return "simulated_isolation", nil
		}
		cli, err := a.client()
		if err != nil {
			return "", fmt.Errorf("docker client: %w", err)
		}
		if err := cli.NetworkDisconnect(ctx, a.cfg.DockerNetwork, container, true); err != nil {
			return "", fmt.Errorf("disconnect %s from %s: %w", container, a.cfg.DockerNetwork, err)
		}
		return "isolated", nil
	})
}

func (a *isolateContainer) Revert(ctx context.Context, token string) (string, error) {
	return revert(a.ledger, token, func(inst Install) (string, error) {
		if !a.cfg.Production {
			return "simulated_reconnect", nil
		}
		container, _ := inst.Params["container"].(string)
		if container == "" {
			container = inst.Target
		}
		cli, err := a.client()
		if err != nil {
			return "", fmt.Errorf("docker client: %w", err)
		}
		if err := cli.NetworkConnect(ctx, a.cfg.DockerNetwork, container, nil); err != nil {
			return "", fmt.Errorf("reconnect %s to %s: %w", container, a.cfg.DockerNetwork, err)
		}
		return "reconnected", nil
	})
}

// redirectToHoneypot rewrites a source's traffic to the honeypot via DNAT.
type redirectToHoneypot struct {
	cfg    Config
	ledger *Ledger
}

func (a *redirectToHoneypot) Type() string { return "redirect_to_honeypot" }

func (a *redirectToHoneypot) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	return install(a, a.ledger, target, params, "redirected", func() (string, error) {
		if !a.cfg.Production {
			return "simulated_redirect", nil
		}
		if err := runCommand(ctx, "iptables",
			"-t", "nat", "-I", "PREROUTING", "-s", target,
			"-j", "DNAT", "--to-destination", a.cfg.HoneypotIP); err != nil {
			return "", err
		}
		return "redirected", nil
	})
}

func (a *redirectToHoneypot) Revert(ctx context.Context, token string) (string, error) {
	return revert(a.ledger, token, func(inst Install) (string, error) {
		if !a.cfg.Production {
			return "simulated_redirect_removed", nil
		}
		if err := runCommand(ctx, "iptables",
			"-t", "nat", "-D", "PREROUTING", "-s", inst.Target,
			"-j", "DNAT", "--to-destination", a.cfg.HoneypotIP); err != nil {
			return "", err
		}
		return "redirect_removed", nil
	})
}

// quarantineFile moves a file into the quarantine directory, keeping its
// base name so a revert can move it back.
type quarantineFile struct {
	cfg    Config
	ledger *Ledger
}

func (a *quarantineFile) Type() string { return "quarantine_file" }

func (a *quarantineFile) Execute(ctx context.Context, target string, params map[string]any) (Result, error) {
	return install(a, a.ledger, target, params, "quarantined", func() (string, error) {
		if !a.cfg.Production {
			return "simulated_quarantine", nil
		}
		if err := os.MkdirAll(a.cfg.QuarantineDir, 0o700); err != nil {
			return "", fmt.Errorf("quarantine dir: %w", err)
		}
		dest := filepath.Join(a.cfg.QuarantineDir, filepath.Base(target))
		if err := os.Rename(target, dest); err != nil {
			return "", fmt.Errorf("quarantine %s: %w", target, err)
		}
		return "quarantined", nil
	})
}

func (a *quarantineFile) Revert(ctx context.Context, token string) (string, error) {
	return revert(a.ledger, token, func(inst Install) (string, error) {
		if !a.cfg.Production {
			return "simulated_restore", nil
		}
		src := filepath.Join(a.cfg.QuarantineDir, filepath.Base(inst.Target))
		if _, err := os.Stat(src); err != nil {
			return "", fmt.Errorf("quarantined copy missing: %w", err)
		}
		if err := os.Rename(src, inst.Target); err != nil {
			return "", fmt.Errorf("restore %s: %w", inst.Target, err)
		}
		return "restored", nil
	})
}
