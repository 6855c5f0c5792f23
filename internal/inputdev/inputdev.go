// Package inputdev enumerates the kernel's input event nodes by name.
package inputdev

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	evdev "github.com/gvalkov/golang-evdev"
	"github.com/jpillora/backoff"
)

// DefaultGlob matches every evdev node.
const DefaultGlob = "/dev/input/event*"

// Info identifies one input device node.
type Info struct {
	Path    string
	Name    string
	Vendor  uint16
	Product uint16
}

// Opener reads the identity of the node at path.
type Opener func(path string) (Info, error)

// OpenEvdev reads identity through the evdev ioctls and closes the node.
func OpenEvdev(path string) (Info, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer dev.File.Close()
	return Info{
		Path:    path,
		Name:    dev.Name,
		Vendor:  dev.Vendor,
		Product: dev.Product,
	}, nil
}

// Lister enumerates nodes matching Glob. Nodes that cannot be opened are
// counted in the result rather than failing the listing.
type Lister struct {
	Glob string
	Open Opener
}

// Listing is one enumeration pass.
type Listing struct {
	Devices    []Info
	Unreadable int
}

// List opens every matching node.
func (l Lister) List() (Listing, error) {
	glob := l.Glob
	if glob == "" {
		glob = DefaultGlob
	}
	open := l.Open
	if open == nil {
		open = OpenEvdev
	}

	paths, err := filepath.Glob(glob)
	if err != nil {
		return Listing{}, fmt.Errorf("list input devices: %w", err)
	}

	var out Listing
	for _, path := range paths {
		info, err := open(path)
		if err != nil {
			out.Unreadable++
			continue
		}
		out.Devices = append(out.Devices, info)
	}
	return out, nil
}

// Named returns the devices advertising exactly name.
func (l Listing) Named(name string) []Info {
	var out []Info
	for _, info := range l.Devices {
		if info.Name == name {
			out = append(out, info)
		}
	}
	return out
}

// Await polls until at least want devices named name are listed or ctx
// ends. It returns the last matches seen together with ctx's error on
// timeout.
func (l Lister) Await(ctx context.Context, name string, want int) ([]Info, error) {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	var matches []Info
	for {
		listing, err := l.List()
		if err != nil {
			return nil, err
		}
		matches = listing.Named(name)
		if len(matches) >= want {
			return matches, nil
		}

		select {
		case <-ctx.Done():
			return matches, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
