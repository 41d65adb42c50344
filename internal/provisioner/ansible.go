package provisioner

import (
	"bytes"
	"context"
	osexec "os/exec"
	"strconv"
	"time"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/apenella/go-ansible/v2/pkg/execute"
	"github.com/apenella/go-ansible/v2/pkg/playbook"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// SecretHasher turns the caller's secret into what the playbook expects.
type SecretHasher func(ctx context.Context, secret string) (string, error)

// AnsibleConfig configures the ansible-playbook backed gateway.
type AnsibleConfig struct {
	Playbook   string
	Forks      int
	SSHTimeout time.Duration
	TempDir    string
	Hasher     SecretHasher
	Logger     *zap.Logger
}

// Validate checks the configuration.
func (c AnsibleConfig) Validate() error {
	if c.Playbook == "" {
		return errors.NotValidf("empty playbook path")
	}
	if c.Forks <= 0 {
		return errors.NotValidf("forks %d", c.Forks)
	}
	if c.Logger == nil {
		return errors.NotValidf("nil logger")
	}
	return nil
}

// AnsibleGateway runs the user management playbook against a one-off
// inventory. The playbook receives username, user_action and, for creates,
// hashed_password.
type AnsibleGateway struct {
	cfg AnsibleConfig
}

// NewAnsibleGateway returns a gateway for cfg.
func NewAnsibleGateway(cfg AnsibleConfig) (*AnsibleGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = SHA512Crypt
	}
	if cfg.SSHTimeout <= 0 {
		cfg.SSHTimeout = 15 * time.Second
	}
	cfg.Logger = cfg.Logger.Named("ansible")
	return &AnsibleGateway{cfg: cfg}, nil
}

// Apply implements Gateway.
func (g *AnsibleGateway) Apply(ctx context.Context, b Batch) (Result, error) {
	if err := b.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	inv, cleanup, err := writeInventory(g.cfg.TempDir, b.Targets)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	defer cleanup()

	extraVars := map[string]interface{}{
		"username":            b.Username,
		"user_action":         string(b.Action),
		"ansible_ssh_timeout": int(g.cfg.SSHTimeout.Seconds()),
	}
	if b.Action == ActionCreate {
		hashed, err := g.cfg.Hasher(ctx, b.Secret)
		if err != nil {
			return Result{}, errors.Annotate(err, "hashing secret")
		}
		extraVars["hashed_password"] = hashed
	}

	cmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithPlaybooks(g.cfg.Playbook),
		playbook.WithPlaybookOptions(&playbook.AnsiblePlaybookOptions{
			Inventory: inv,
			Forks:     strconv.Itoa(g.cfg.Forks),
			ExtraVars: extraVars,
		}),
	)
	var stdout, stderr bytes.Buffer
	exec := execute.NewDefaultExecute(
		execute.WithCmd(cmd),
		execute.WithWrite(&stdout),
		execute.WithWriteError(&stderr),
		execute.WithErrorEnrich(playbook.NewAnsiblePlaybookErrorEnrich()),
	)

	hosts := make([]string, len(b.Targets))
	for i, t := range b.Targets {
		hosts[i] = t.Name
	}
	if ce := g.cfg.Logger.Check(zap.DebugLevel, "running playbook"); ce != nil {
		ce.Write(
			zap.String("action", string(b.Action)),
			zap.String("username", b.Username),
			zap.Strings("hosts", hosts),
			zap.String("inventory", RedactInventory(renderInventory(b.Targets))))
	}

	runErr := exec.Execute(ctx)
	res := Result{
		Stderr: stderr.String(),
		Hosts:  ParseRecap(stdout.String() + "\n" + stderr.String()),
	}
	if runErr != nil {
		res.ExitCode = exitCode(runErr)
		g.cfg.Logger.Warn("playbook failed",
			zap.String("action", string(b.Action)),
			zap.String("username", b.Username),
			zap.Int("exit_code", res.ExitCode),
			zap.Strings("not_ok", res.NotOK(b.Targets)),
			zap.Error(runErr))
		return res, errors.Annotatef(runErr, "ansible-playbook %s %s", b.Action, b.Username)
	}
	return res, nil
}

func exitCode(err error) int {
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// SHA512Crypt produces a $6$ SHA-512-crypt hash with a random salt, the
// format useradd and the user module accept.
func SHA512Crypt(_ context.Context, secret string) (string, error) {
	hashed, err := crypt.SHA512.New().Generate([]byte(secret), nil)
	if err != nil {
		return "", errors.Annotate(err, "sha512-crypt")
	}
	return hashed, nil
}
