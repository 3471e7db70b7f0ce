package execution

import (
	"fmt"
	"io"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/rs/zerolog"
)

// NewProtocol builds the protocol client matching the instance transport.
func NewProtocol(inst config.Instance, echo io.Writer) (Protocol, error) {
	switch inst.Transport {
	case config.TransportWinRM, "":
		return NewWinRMProtocol(inst, echo)
	case config.TransportSSH:
		return NewSSHProtocol(inst, echo)
	case config.TransportLocal:
		return NewLocalProtocol(inst.UsePTY, echo), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", inst.Transport)
	}
}

// OpenSession creates a session for the named instance.
func OpenSession(alias string, inst config.Instance, logger zerolog.Logger, echo io.Writer) (*Session, error) {
	protocol, err := NewProtocol(inst, echo)
	if err != nil {
		return nil, fmt.Errorf("error creating execution client for %s: %w", alias, err)
	}
	host := inst.Address
	if host == "" {
		host = alias
	}
	return NewSession(protocol, host, logger.With().Str("instance", alias).Logger()), nil
}
