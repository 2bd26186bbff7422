//go:build !linux

package mevent

import "errors"

// Loop is only implemented on linux; other platforms have no fd-backed
// backends to service.
type Loop struct{}

var errUnsupported = errors.New("mevent: not supported on this platform")

func New() (*Loop, error)                 { return nil, errUnsupported }
func (l *Loop) AddRead(int, func()) error { return errUnsupported }
func (l *Loop) Remove(int)                {}
func (l *Loop) Close() error              { return nil }
