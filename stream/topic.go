package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pipewright/pipewright/event"
)

// Topic names follow a pattern:
//
//	project:<projectID>  events for a specific project run
//	stages               all stage lifecycle events
//	approvals            review requests and resolutions
//	workflows            run start/pause/resume/complete events
//	firehose             everything
const (
	TopicStages    = "stages"
	TopicApprovals = "approvals"
	TopicWorkflows = "workflows"
	TopicFirehose  = "firehose"
)

// ProjectTopic returns the topic name for a specific project.
func ProjectTopic(projectID string) string { return "project:" + projectID }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic. Creates the topic if it
// doesn't exist.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Cleans up empty topics.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends an event to all subscribers on the listed topics.
// Subscribers on more than one of the topics receive the event once.
// Returns how many subscribers received the event and how many dropped
// it (no credits, filter mismatch, or full buffer).
func (tr *TopicRegistry) Broadcast(topics []string, evt *event.Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns all topics an event should be published to
// based on its type and project.
func resolveTopics(evt *event.Event) []string {
	topics := []string{TopicFirehose}

	switch evt.Type {
	case event.StageStarted, event.StageCompleted, event.StageFailed, event.RetryAttempt:
		topics = append(topics, TopicStages)
	case event.ApprovalRequested, event.ApprovalGranted, event.ApprovalDenied, event.HumanInputRequired:
		topics = append(topics, TopicApprovals)
	case event.WorkflowStarted, event.WorkflowPaused, event.WorkflowResumed, event.WorkflowCompleted:
		topics = append(topics, TopicWorkflows)
	}

	if evt.ProjectID != "" {
		topics = append(topics, ProjectTopic(evt.ProjectID))
	}
	return topics
}

// ParseTopicEntity extracts the entity type and ID from a topic string.
// For example, "project:proj-1" returns ("project", "proj-1").
// Returns ("", "") for global topics like "stages" or "firehose".
func ParseTopicEntity(topic string) (entityType, entityID string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicStages, TopicApprovals, TopicWorkflows, TopicFirehose:
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}

	if entityType != "project" {
		return fmt.Errorf("stream: unknown topic entity type %q", entityType)
	}
	return nil
}
