package utils

import (
	"fmt"
)

// Message types understood by the kernel monitor.
const (
	MessageHandshake = 1 // connection check

	MessageStats     = 10 // allocator and scheduler counters
	MessageProcesses = 11 // run queue listing
	MessageMemDump   = 12 // raw dump of a process's frames
	MessageFrameMap  = 13 // PNG of the physical frame bitmap

	MessageSpawn     = 20 // load an executable and queue it
	MessageAddThread = 21 // add a thread to a process
	MessageKill      = 22 // terminate the current process
)

// DataMap returns the message payload as a JSON object.
func DataMap(msg *Message) (map[string]interface{}, error) {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid payload %v", msg.Data)
	}
	return data, nil
}

// IntField extracts an integer field from a decoded JSON payload.
func IntField(data map[string]interface{}, key string) (int, error) {
	switch v := data[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case nil:
		return 0, fmt.Errorf("field %q missing", key)
	default:
		return 0, fmt.Errorf("field %q has type %T", key, v)
	}
}

// StringField extracts a string field from a decoded JSON payload.
func StringField(data map[string]interface{}, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("field %q missing or not a string", key)
	}
	return v, nil
}
