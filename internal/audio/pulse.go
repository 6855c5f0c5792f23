// Package audio checks that the invoking user's PulseAudio session is
// reachable from the dropped process.
package audio

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// Source describes one Pulse input source.
type Source struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Report summarizes a session probe.
type Report struct {
	DefaultSource string
	Sources       int
	Usable        int
}

// String renders the report for doctor output.
func (r Report) String() string {
	def := r.DefaultSource
	if def == "" {
		def = "none"
	}
	return fmt.Sprintf("default source %s (%d source(s), %d usable)", def, r.Sources, r.Usable)
}

// ListSources returns available Pulse input sources with default/availability metadata.
func ListSources(_ context.Context) ([]Source, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("typist"),
		pulse.ClientApplicationIconName("input-keyboard"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	sources := make([]Source, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		sources = append(sources, Source{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return sources, nil
}

// Probe connects as the current user and summarizes the session's sources.
// A failure after the privilege drop usually means XDG_RUNTIME_DIR or
// PULSE_SERVER was not carried across.
func Probe(ctx context.Context) (Report, error) {
	sources, err := ListSources(ctx)
	if err != nil {
		return Report{}, err
	}
	return summarize(sources), nil
}

func summarize(sources []Source) Report {
	var report Report
	for _, src := range sources {
		report.Sources++
		if src.Available && !src.Muted {
			report.Usable++
		}
		if src.Default {
			report.DefaultSource = strings.TrimSpace(src.ID)
		}
	}
	return report
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
