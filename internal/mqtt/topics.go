package mqtt

import (
	"net/url"
	"strconv"
	"strings"
)

// Topics holds the topic patterns of the hub. Patterns may contain the
// {device_id}, {module_id}, {rid} and {input} placeholders.
type Topics struct {
	Telemetry     string // e.g. "devices/{device_id}/modules/{module_id}/messages/events/"
	DesiredPatch  string // e.g. "$iothub/twin/PATCH/properties/desired/#"
	TwinResponse  string // e.g. "$iothub/twin/res/#"
	TwinGet       string // e.g. "$iothub/twin/GET/?$rid={rid}"
	ReportedPatch string // e.g. "$iothub/twin/PATCH/properties/reported/?$rid={rid}"
	Inputs        string // e.g. "devices/{device_id}/modules/{module_id}/inputs/#"
}

// DefaultTopics returns the topic layout of an IoT hub module identity
func DefaultTopics() Topics {
	return Topics{
		Telemetry:     "devices/{device_id}/modules/{module_id}/messages/events/",
		DesiredPatch:  "$iothub/twin/PATCH/properties/desired/#",
		TwinResponse:  "$iothub/twin/res/#",
		TwinGet:       "$iothub/twin/GET/?$rid={rid}",
		ReportedPatch: "$iothub/twin/PATCH/properties/reported/?$rid={rid}",
		Inputs:        "devices/{device_id}/modules/{module_id}/inputs/#",
	}
}

// Identity names the device and module the client connects as
type Identity struct {
	DeviceID string
	ModuleID string
}

// formatTopic replaces the identity placeholders and any extra key/value pairs
func formatTopic(topicPattern string, id Identity, extra ...string) string {
	pairs := []string{"{device_id}", id.DeviceID, "{module_id}", id.ModuleID}
	pairs = append(pairs, extra...)
	return strings.NewReplacer(pairs...).Replace(topicPattern)
}

// telemetryTopic appends the system properties for the output name and message id
func telemetryTopic(topicPattern string, id Identity, output, messageID string) string {
	props := url.Values{}
	props.Set("$.on", output)
	props.Set("$.mid", messageID)
	// the hub expects the property bag unescaped for '$'
	bag := strings.ReplaceAll(props.Encode(), "%24", "$")
	return formatTopic(topicPattern, id) + bag
}

// parseTwinResponse extracts the status code and request id from
// "$iothub/twin/res/{status}/?$rid={rid}[&$version={version}]"
func parseTwinResponse(topic string) (status int, rid string, ok bool) {
	const prefix = "$iothub/twin/res/"
	if !strings.HasPrefix(topic, prefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(topic, prefix)

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return 0, "", false
	}
	status, err := strconv.Atoi(rest[:slash])
	if err != nil {
		return 0, "", false
	}

	query := strings.TrimPrefix(rest[slash+1:], "?")
	for _, part := range strings.Split(query, "&") {
		if strings.HasPrefix(part, "$rid=") {
			rid = strings.TrimPrefix(part, "$rid=")
		}
	}
	if rid == "" {
		return 0, "", false
	}
	return status, rid, true
}

// extractInputName extracts the input name from a module input topic
// Example: "devices/cam/modules/vision/inputs/input1/%24.mid=1" -> "input1"
func extractInputName(topic string) string {
	const marker = "/inputs/"
	idx := strings.Index(topic, marker)
	if idx < 0 {
		return ""
	}
	rest := topic[idx+len(marker):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
