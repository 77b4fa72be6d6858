package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentTask is the request/reply topic on which an agent executes tasks.
func TopicAgentTask(agentID string) string {
	return fmt.Sprintf("agent.%s.task", agentID)
}

// TopicAgentCard is the request/reply topic on which an agent serves its
// capability descriptor for discovery.
func TopicAgentCard(agentID string) string {
	return fmt.Sprintf("agent.%s.card", agentID)
}

func TopicEventsSession(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

func TopicEventsDirectory() string {
	return "events.directory"
}

const (
	// TopicDirectoryRegister accepts push-registration of capability
	// descriptors from agents not declared in config.
	TopicDirectoryRegister = "directory.register"

	// TopicQuerySubmit is the request/reply topic the CLI uses to submit a
	// query to the gateway and wait for the aggregated result.
	TopicQuerySubmit = "host.query.submit"

	TopicEventsAll      = "events.>"
	TopicEventsSessions = "events.session.*"
)
