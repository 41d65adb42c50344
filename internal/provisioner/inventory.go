package provisioner

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

// writeInventory writes a one-off INI inventory for targets and returns its
// path with a cleanup func. The file is created 0600.
func writeInventory(dir string, targets []Target) (string, func(), error) {
	f, err := os.CreateTemp(dir, "inv-*.ini")
	if err != nil {
		return "", func() {}, errors.Annotate(err, "creating inventory")
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString(renderInventory(targets)); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, errors.Annotate(err, "writing inventory")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, errors.Annotate(err, "closing inventory")
	}
	return f.Name(), cleanup, nil
}

func renderInventory(targets []Target) string {
	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "%s ansible_host=%s ansible_port=%d ansible_user=%s ansible_password=%s\n",
			t.Name, t.Host, t.Port, escapeValue(t.AdminUser), escapeValue(t.AdminCredential))
	}
	return b.String()
}

// escapeValue escapes characters that break the key=value inventory format.
func escapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ` `, `\ `)
	s = strings.ReplaceAll(s, `=`, `\=`)
	return s
}

var passwordField = regexp.MustCompile(`(ansible_password=)(?:\\.|[^\s\\])+`)

// RedactInventory masks passwords so an inventory can be logged.
func RedactInventory(inv string) string {
	return passwordField.ReplaceAllString(inv, "${1}***")
}
