// Package krb5 reads the system's default Kerberos realm. NFSv4 ACL
// principals must be realm-qualified, and the realm comes from the same
// place libkrb5 finds it: /etc/krb5.conf.
package krb5

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/config"
)

const defaultConfigPath = "/etc/krb5.conf"

// DefaultRealm returns the default realm configured in /etc/krb5.conf.
func DefaultRealm() (string, error) {
	return defaultRealmFromFile(defaultConfigPath)
}

func defaultRealmFromFile(path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("load krb5 config %q: %w", path, err)
	}
	realm := cfg.LibDefaults.DefaultRealm
	if realm == "" {
		return "", fmt.Errorf("no default_realm in %q", path)
	}
	return realm, nil
}
