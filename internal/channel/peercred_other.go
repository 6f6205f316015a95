//go:build !linux

package channel

import (
	"errors"
	"net"
)

func peerCredentials(net.Conn) (Credentials, error) {
	return Credentials{}, errors.New("peer credentials not supported on this platform")
}
