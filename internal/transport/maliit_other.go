//go:build !linux

package transport

import (
	"context"

	"imcontext/internal/ime"
)

// Maliit is only available on Linux.
type Maliit struct {
	*link
}

// NewMaliit returns ErrUnsupportedPlatform.
func NewMaliit(string, Options) (*Maliit, error) {
	return nil, ErrUnsupportedPlatform
}

func (*Maliit) ExplicitResetAck() bool                           { return true }
func (*Maliit) Run(context.Context) error                        { return ErrUnsupportedPlatform }
func (*Maliit) Activate() error                                  { return ErrUnsupportedPlatform }
func (*Maliit) ShowPanel() error                                 { return ErrUnsupportedPlatform }
func (*Maliit) HidePanel() error                                 { return ErrUnsupportedPlatform }
func (*Maliit) SetOrientation(ime.Orientation) error             { return ErrUnsupportedPlatform }
func (*Maliit) PushEditorContext(ime.EditorContext, bool) error  { return ErrUnsupportedPlatform }
func (*Maliit) Reset(bool) error                                 { return ErrUnsupportedPlatform }
