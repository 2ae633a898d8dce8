// ABOUTME: Well-known topic names and hierarchical topic pattern matching
// ABOUTME: Patterns use '*' for exactly one level and '#' for any trailing levels

package bus

import "strings"

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// ReplySuffix is appended to a request topic to form its reply topic.
const ReplySuffix = ".reply"

// Topics used by collaborators outside the kernel. The kernel only routes
// them; their payloads are owned by the publishing subsystems.
const (
	TopicSystemHeartbeat        = "system.heartbeat"
	TopicSystemBootStageChanged = "system.boot.stage_changed"
	TopicSystemBootComplete     = "system.boot.complete"
	TopicSystemHardwareFound    = "system.hardware.discovered"
	TopicSystemResourceRequest  = "system.resource.request"
	TopicSystemResourceRelease  = "system.resource.release"
	TopicSystemLearningReady    = "system.learning.ready"
	TopicSystemUpdateAvailable  = "system.update.available"
	TopicSystemComponentStarted = "system.component.started"
	TopicSystemComponentStopped = "system.component.stopped"
)

// ReplyTopic returns the topic replies to requests on topic are published to.
func ReplyTopic(topic string) string {
	return topic + ReplySuffix
}

// IsPattern reports whether a subscription topic contains pattern levels.
// The bare Wildcard is handled separately and is not a pattern.
func IsPattern(topic string) bool {
	if topic == Wildcard {
		return false
	}
	for _, level := range strings.Split(topic, ".") {
		if level == "*" || level == "#" {
			return true
		}
	}
	return false
}

// MatchTopic reports whether topic matches pattern. Levels are separated by
// dots; '*' matches exactly one level and '#' matches zero or more levels and
// ends the comparison. A pattern without special levels matches only itself.
//
//	MatchTopic("system.cpu.usage", "system.cpu.*")      == true
//	MatchTopic("system.cpu.core.0", "system.cpu.*")     == false
//	MatchTopic("system.memory.free", "system.#")        == true
func MatchTopic(topic, pattern string) bool {
	if pattern == topic || pattern == Wildcard {
		return true
	}

	topicLevels := strings.Split(topic, ".")
	patternLevels := strings.Split(pattern, ".")

	i, j := 0, 0
	for i < len(topicLevels) && j < len(patternLevels) {
		switch patternLevels[j] {
		case "#":
			return true
		case "*", topicLevels[i]:
			i++
			j++
		default:
			return false
		}
	}

	// "a.#" also matches "a" itself.
	if i == len(topicLevels) && j == len(patternLevels)-1 && patternLevels[j] == "#" {
		return true
	}
	return i == len(topicLevels) && j == len(patternLevels)
}
