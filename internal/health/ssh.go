package health

import (
	"context"
	"net"
	"strconv"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

// SSHProber logs in with the machine's admin credential and disconnects.
// Host keys are not verified: this is a reachability probe, not trust
// establishment.
type SSHProber struct{}

// Probe implements Prober.
func (SSHProber) Probe(ctx context.Context, m models.Machine) error {
	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "dialing %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User:            m.AdminUser,
		Auth:            []ssh.AuthMethod{ssh.Password(m.AdminCredential)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return errors.Annotatef(err, "ssh handshake with %s", addr)
	}
	return ssh.NewClient(c, chans, reqs).Close()
}
