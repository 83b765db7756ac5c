// Package noop is a backend that does nothing.
package noop

import (
	"context"
	"errors"

	"github.com/keeleysam/bsdpy/data"
)

// Backend is a noop backend.
type Backend struct{}

func (b Backend) ReadImages(_ context.Context, _ data.Client) ([]data.BootImage, error) {
	return nil, errors.New("no backend specified, please specify a backend")
}

func (b Backend) Rescan(_ context.Context) error {
	return errors.New("no backend specified, please specify a backend")
}
