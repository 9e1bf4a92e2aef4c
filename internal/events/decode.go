package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownTopic   = errors.New("unknown event topic")
	ErrInvalidPayload = errors.New("invalid event payload")
)

const schemaBaseURL = "https://boqsync.local/events/"

const (
	idString     = `{"type":"string","minLength":1}`
	objectSchema = `{"type":"object"}`
)

var topicSchemas = map[Topic]string{
	TopicConnected: `{"type":"object","required":["user_id"],"properties":{"user_id":` + idString + `}}`,
	TopicJoinedProject: `{"type":"object","required":["project_id"],"properties":{
		"project_id":` + idString + `,
		"online_user_ids":{"type":"array","items":{"type":"string"}}}}`,
	TopicError: `{"type":"object","properties":{
		"message":{"type":"string"},"code":{"type":"string"},"project_id":{"type":"string"}}}`,
	TopicUserJoined: `{"type":"object","required":["user_id","project_id"],"properties":{
		"user_id":` + idString + `,"project_id":` + idString + `}}`,
	TopicUserLeft: `{"type":"object","required":["user_id","project_id"],"properties":{
		"user_id":` + idString + `,"project_id":` + idString + `}}`,
	TopicItemUpdated: `{"type":"object","required":["project_id","item_id","updates"],"properties":{
		"project_id":` + idString + `,"item_id":` + idString + `,
		"updates":` + objectSchema + `,"updated_by":{"type":"string"}}}`,
	TopicBulkUpdated: `{"type":"object","required":["project_id","summary"],"properties":{
		"project_id":` + idString + `,
		"summary":{"type":"object","required":["total","updated","skipped"],"properties":{
			"total":{"type":"integer","minimum":0},
			"updated":{"type":"integer","minimum":0},
			"skipped":{"type":"integer","minimum":0}}},
		"updated_by":{"type":"string"}}}`,
	TopicTaskUpdated: `{"type":"object","required":["project_id","task_id","updates"],"properties":{
		"project_id":` + idString + `,"task_id":` + idString + `,
		"updates":` + objectSchema + `,"updated_by":{"type":"string"}}}`,
	TopicCommentCreated: `{"type":"object","required":["project_id","comment_id"],"properties":{
		"project_id":` + idString + `,"comment_id":` + idString + `,"comment":` + objectSchema + `}}`,
	TopicNotificationNew: objectSchema,
	TopicJobStarted:      `{"type":"object","required":["job_id"],"properties":{"job_id":` + idString + `}}`,
	TopicJobCompleted: `{"type":"object","required":["job_id"],"properties":{
		"job_id":` + idString + `,"status":{"type":"string"}}}`,
}

var (
	schemaOnce     sync.Once
	compiledSchema map[Topic]*jsonschema.Schema
	schemaErr      error
)

func schemas() (map[Topic]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		urls := make(map[Topic]string, len(topicSchemas))
		for topic, raw := range topicSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema for %s: %w", topic, err)
				return
			}
			url := schemaBaseURL + strings.ReplaceAll(string(topic), ":", "_") + ".json"
			if err := compiler.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("add schema for %s: %w", topic, err)
				return
			}
			urls[topic] = url
		}
		out := make(map[Topic]*jsonschema.Schema, len(urls))
		for topic, url := range urls {
			sch, err := compiler.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema for %s: %w", topic, err)
				return
			}
			out[topic] = sch
		}
		compiledSchema = out
	})
	return compiledSchema, schemaErr
}

// Decode validates a frame against its topic schema and returns the typed event.
func Decode(frame Frame) (Event, error) {
	topic := Topic(strings.TrimSpace(frame.Event))
	compiled, err := schemas()
	if err != nil {
		return nil, err
	}
	sch, ok := compiled[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, frame.Event)
	}
	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, topic, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, topic, err)
	}

	switch topic {
	case TopicConnected:
		return decodeAs[Connected](topic, data)
	case TopicJoinedProject:
		return decodeAs[JoinedProject](topic, data)
	case TopicError:
		return decodeAs[ErrorEvent](topic, data)
	case TopicUserJoined:
		return decodeAs[UserJoined](topic, data)
	case TopicUserLeft:
		return decodeAs[UserLeft](topic, data)
	case TopicItemUpdated:
		return decodeAs[ItemUpdated](topic, data)
	case TopicBulkUpdated:
		return decodeAs[BulkUpdated](topic, data)
	case TopicTaskUpdated:
		return decodeAs[TaskUpdated](topic, data)
	case TopicCommentCreated:
		return decodeAs[CommentCreated](topic, data)
	case TopicNotificationNew:
		return decodeAs[NotificationNew](topic, data)
	case TopicJobStarted:
		return decodeAs[JobStarted](topic, data)
	case TopicJobCompleted:
		return decodeAs[JobCompleted](topic, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, frame.Event)
	}
}

func decodeAs[T Event](topic Topic, data []byte) (Event, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, topic, err)
	}
	return out, nil
}
