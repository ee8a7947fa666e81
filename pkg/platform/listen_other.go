//go:build !(linux || darwin)

package platform

import "syscall"

// reusePortControl is a no-op on platforms without SO_REUSEPORT support
// in this relay's build matrix; a single relay process per address still
// works correctly, it just cannot share the port across processes.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
