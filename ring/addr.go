package ring

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Addr is a bootstrap address in host:port:family form. Family is
// carried for wire compatibility; only the host and port are dialed.
type Addr struct {
	Host   string
	Port   int
	Family int
}

// ParseAddr parses host:port:family. The family part may be omitted.
func ParseAddr(s string) (Addr, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Addr{}, errors.Errorf("address %q is not host:port:family", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Addr{}, errors.Wrapf(err, "parsing port in %q", s)
	}
	a := Addr{Host: parts[0], Port: port, Family: 2}
	if len(parts) == 3 {
		a.Family, err = strconv.Atoi(parts[2])
		if err != nil {
			return Addr{}, errors.Wrapf(err, "parsing family in %q", s)
		}
	}
	if a.Host == "" {
		return Addr{}, errors.Errorf("address %q has no host", s)
	}
	return a, nil
}

// String renders the dialable host:port form.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
