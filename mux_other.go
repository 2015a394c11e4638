//go:build !linux

package isolate

import (
	"github.com/joeycumines/logiface"
)

func newPlatformPoller(messagePoster, *logiface.Logger[logiface.Event], *throttle, int, int) (*Poller, error) {
	return nil, ErrPollerUnavailable
}
