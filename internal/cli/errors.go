package cli

import (
	"errors"

	"github.com/highclaw/clawdesk/internal/app"
	"github.com/highclaw/clawdesk/internal/gateway/auth"
	"github.com/highclaw/clawdesk/internal/gateway/client"
	"github.com/highclaw/clawdesk/internal/gateway/rpc"
	"github.com/highclaw/clawdesk/internal/gateway/transport"
)

// Describe renders err for the terminal: secrets masked, plus a hint for the
// failures users can fix themselves.
func Describe(err error) string {
	msg := client.ScrubSecrets(err.Error())
	var (
		authErr      *auth.Error
		timeoutErr   *rpc.TimeoutError
		transportErr *transport.Error
	)
	switch {
	case errors.Is(err, app.ErrUnknownConnection):
		msg += "\n  -> see 'clawdesk connections list'"
	case errors.As(err, &authErr) && !authErr.Timeout:
		msg += "\n  -> check the token with 'clawdesk connections add --name <name> --token <token>'"
	case errors.As(err, &authErr), errors.As(err, &timeoutErr):
		msg += "\n  -> the gateway did not answer in time; raise 'timeouts' in the config"
	case errors.As(err, &transportErr):
		msg += "\n  -> is the gateway running and the endpoint correct?"
	}
	return msg
}
