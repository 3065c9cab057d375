//go:build !linux
// +build !linux

package h4

import "github.com/pkg/errors"

// NewVHCI is only available on linux.
func NewVHCI() (*VHCI, error) {
	return nil, errors.New("vhci is only available on linux")
}
