package audit

import (
	"fmt"
	"strings"
	"time"
)

func logGlobal(e Entry) {
	if a := Current(); a != nil {
		a.Log(e)
	}
}

// LogResolution records the outcome of resolving a resource.
func LogResolution(kind, name string, ids []string, elapsed time.Duration) {
	logGlobal(Entry{
		EventType:    EventResolution,
		ResourceKind: kind,
		ResourceName: name,
		Details:      fmt.Sprintf("ids=[%s]", strings.Join(ids, ",")),
		DurationMs:   elapsed.Milliseconds(),
	})
}

// LogTunnelConnected records a tunnel that passed its health check.
func LogTunnelConnected(sessionID, instanceID string, localPort int) {
	logGlobal(Entry{
		EventType:  EventTunnelConnected,
		InstanceID: instanceID,
		SessionID:  sessionID,
		Details:    fmt.Sprintf("local_port=%d", localPort),
	})
}

// LogTunnelFailed records a tunnel that could not be established.
func LogTunnelFailed(sessionID, instanceID, reason string) {
	logGlobal(Entry{
		EventType:  EventTunnelFailed,
		InstanceID: instanceID,
		SessionID:  sessionID,
		Details:    reason,
	})
}

// LogTunnelDisconnected records a tunnel teardown.
func LogTunnelDisconnected(sessionID, instanceID, reason string, lifetime time.Duration) {
	logGlobal(Entry{
		EventType:  EventTunnelDisconnected,
		InstanceID: instanceID,
		SessionID:  sessionID,
		Details:    reason,
		DurationMs: lifetime.Milliseconds(),
	})
}

// LogCommand records a command run over a tunnel.
func LogCommand(sessionID, instanceID, command string, exitCode int, elapsed time.Duration) {
	logGlobal(Entry{
		EventType:  EventCommandExecution,
		InstanceID: instanceID,
		SessionID:  sessionID,
		Details:    fmt.Sprintf("cmd=%s exit_code=%d", command, exitCode),
		DurationMs: elapsed.Milliseconds(),
	})
}

// LogWaitLoopTerminated records that the remote wait loop was released.
func LogWaitLoopTerminated(sessionID, instanceID string) {
	logGlobal(Entry{
		EventType:  EventWaitLoopTerminated,
		InstanceID: instanceID,
		SessionID:  sessionID,
	})
}

// LogDeregistered records a deregistered managed instance.
func LogDeregistered(instanceID, resourceName, reason string) {
	logGlobal(Entry{
		EventType:    EventInstanceDeregistered,
		InstanceID:   instanceID,
		ResourceName: resourceName,
		Details:      reason,
	})
}

// LogReaperRun records the summary of one reaper run.
func LogReaperRun(requested, deregistered int, failedID string) {
	details := fmt.Sprintf("requested=%d deregistered=%d", requested, deregistered)
	if failedID != "" {
		details += " failed=" + failedID
	}
	logGlobal(Entry{EventType: EventReaperRun, InstanceID: failedID, Details: details})
}
