//go:build !(linux && cgo && rdma_hw)

package rdma

import "errors"

// ErrNoHardwareSupport is returned by NewIBVerbs in builds without the
// rdma_hw tag
var ErrNoHardwareSupport = errors.New("built without libibverbs support (rebuild with -tags rdma_hw)")

// NewIBVerbs returns the hardware provider. This build has none.
func NewIBVerbs() (Verbs, error) {
	return nil, ErrNoHardwareSupport
}
