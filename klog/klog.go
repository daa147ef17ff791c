// Package klog is the module's ambient logging and debug-configuration
// surface. There is no allocator-free early console here (this is hosted
// Go, not bare metal), so it sits directly on fmt; the flags mirror the
// IS_DEBUG / LOG_OBJ_CALLS / LOG_OBJ_STATS knobs the rest of the module
// consults before doing any expensive bookkeeping.
package klog

import "fmt"

var (
	// IsDebug gates the debug-only invariant checks scattered through vm.
	// Production builds of this module would flip it off.
	IsDebug = true

	// LogObjCalls traces individual calls; only resolved PageFault calls
	// are traced.
	LogObjCalls = false

	// LogObjStats traces address-space lifecycle events (Manager.Init and
	// the final Vm_t.Deinit) rather than individual calls.
	LogObjStats = false
)

func Tracef(format string, args ...interface{}) {
	if IsDebug && LogObjCalls {
		fmt.Printf("[vm] "+format+"\n", args...)
	}
}

func Statf(format string, args ...interface{}) {
	if IsDebug && LogObjStats {
		fmt.Printf("[vm:stats] "+format+"\n", args...)
	}
}

func Warnf(format string, args ...interface{}) {
	fmt.Printf("[vm:warn] "+format+"\n", args...)
}
