//go:build !unix

package vmi

import (
	"context"
	"time"
)

// CreateSegment returns an error on platforms without shared mappings.
func CreateSegment(path string, vcpus, capacity uint32) (*Segment, error) {
	return nil, ErrUnsupportedPlatform
}

// OpenSegment returns an error on platforms without shared mappings.
func OpenSegment(path string) (*Segment, error) {
	return nil, ErrUnsupportedPlatform
}

func WaitSegment(ctx context.Context, path string, interval time.Duration) (*Segment, error) {
	return nil, ErrUnsupportedPlatform
}

func RemoveSegment(seg *Segment) error {
	return nil
}
