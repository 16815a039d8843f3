// Package hpu provides detection of and access to the HPU accelerator
// runtime. The runtime queues work lazily; callers break graph accumulation
// with MarkStep after backward and optimizer steps.
package hpu

import (
	"os"
	"strings"
)

const (
	visibleDevicesEnv = "HPU_VISIBLE_DEVICES"
	runtimeVersionEnv = "HPU_RUNTIME_VERSION"
)

// Capability is the typed result of accelerator detection. It is passed
// explicitly to everything that needs to know whether an HPU is present;
// nothing else in this module consults the environment.
type Capability struct {
	Available   bool
	Version     string
	DeviceCount int
}

// Detect probes the process environment for HPU devices. An empty or unset
// HPU_VISIBLE_DEVICES means no accelerator, which is not an error: callers
// fall back to standard CPU layout and execution.
func Detect() Capability {
	return DetectWithEnv(os.LookupEnv)
}

// DetectWithEnv is Detect with an injectable environment lookup for tests.
func DetectWithEnv(lookup func(string) (string, bool)) Capability {
	raw, ok := lookup(visibleDevicesEnv)
	if !ok {
		return Capability{}
	}

	count := 0
	for _, id := range strings.Split(raw, ",") {
		if strings.TrimSpace(id) != "" {
			count++
		}
	}
	if count == 0 {
		return Capability{}
	}

	version := "1.0"
	if v, ok := lookup(runtimeVersionEnv); ok && strings.TrimSpace(v) != "" {
		version = strings.TrimSpace(v)
	}

	return Capability{
		Available:   true,
		Version:     version,
		DeviceCount: count,
	}
}
