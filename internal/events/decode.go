package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent marks a well-formed event whose type this build does not know.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformedEvent marks an event missing a required field or with bad JSON.
	ErrMalformedEvent = errors.New("malformed event")
)

type envelope struct {
	Type      string `json:"type"`
	Timestamp *int64 `json:"timestamp"`
}

// Decode parses one wire event. Observers should skip events failing with
// ErrUnknownEvent (newer server) and drop those failing with ErrMalformedEvent
// without tearing down the stream.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	// progress_update is the one event without a required timestamp.
	if env.Timestamp == nil && env.Type != TypeProgressUpdate {
		return nil, fmt.Errorf("%w: %s without timestamp", ErrMalformedEvent, env.Type)
	}
	ev, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return ev, nil
}

var decoders = map[string]func([]byte) (Event, error){
	TypeAgentCreated: func(data []byte) (Event, error) {
		var e AgentCreated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.AgentID == "" {
			return nil, errors.New("missing agent_id")
		}
		e.AgentType = ParseAgentType(e.AgentType)
		return e, nil
	},
	TypeAgentStatusChanged: func(data []byte) (Event, error) {
		var e AgentStatusChanged
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.AgentID == "" {
			return nil, errors.New("missing agent_id")
		}
		return e, nil
	},
	TypeAgentRetired: func(data []byte) (Event, error) {
		var e AgentRetiredEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.AgentID == "" {
			return nil, errors.New("missing agent_id")
		}
		return e, nil
	},
	TypeTaskAssigned: func(data []byte) (Event, error) {
		var e TaskAssigned
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.TaskID == "" || e.AgentID == "" {
			return nil, errors.New("missing task_id or agent_id")
		}
		return e, nil
	},
	TypeTaskStatusChanged: func(data []byte) (Event, error) {
		var e TaskStatusChanged
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.TaskID == "" || e.Status == "" {
			return nil, errors.New("missing task_id or status")
		}
		return e, nil
	},
	TypeTaskBlocked: func(data []byte) (Event, error) {
		var e TaskBlocked
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.TaskID == "" {
			return nil, errors.New("missing task_id")
		}
		return e, nil
	},
	TypeTaskUnblocked: func(data []byte) (Event, error) {
		var e TaskUnblocked
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.TaskID == "" {
			return nil, errors.New("missing task_id")
		}
		return e, nil
	},
	TypeActivityUpdate: func(data []byte) (Event, error) {
		var e ActivityUpdate
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	TypeProgressUpdate: func(data []byte) (Event, error) {
		var e ProgressUpdate
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	},
	TypeCorrectionAttempt: func(data []byte) (Event, error) {
		var e CorrectionAttempt
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		if e.TaskID == "" {
			return nil, errors.New("missing task_id")
		}
		return e, nil
	},
}
