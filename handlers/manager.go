package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// HandlerManager routes terminal frames to the handler of their type.
type HandlerManager struct {
	handlers map[string]MessageHandler
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewHandlerManager creates an empty HandlerManager.
func NewHandlerManager(logger zerolog.Logger) *HandlerManager {
	return &HandlerManager{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// RegisterHandler registers handler under its message type.
func (hm *HandlerManager) RegisterHandler(handler MessageHandler) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.handlers[handler.GetMessageType()] = handler
	hm.logger.Debug().Str("type", handler.GetMessageType()).Msg("registered handler")
}

// UnregisterHandler removes the handler of a message type.
func (hm *HandlerManager) UnregisterHandler(msgType string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	delete(hm.handlers, msgType)
}

// GetHandler returns the handler of a message type.
func (hm *HandlerManager) GetHandler(msgType string) (MessageHandler, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	handler, exists := hm.handlers[msgType]
	return handler, exists
}

// HandleMessage decodes a raw frame and dispatches it. Failures come back as
// an error reply; the connection is never torn down for a bad frame.
func (hm *HandlerManager) HandleMessage(ctx context.Context, instanceID string, raw []byte) Reply {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return errorReply("", fmt.Errorf("invalid frame: %w", err))
	}

	handler, exists := hm.GetHandler(frame.Type)
	if !exists {
		return errorReply(frame.ID, fmt.Errorf("unknown frame type %q", frame.Type))
	}

	reply, err := handler.Handle(ctx, instanceID, frame.Data)
	if err != nil && reply.Type == "" {
		return errorReply(frame.ID, err)
	}
	reply.ID = frame.ID
	return reply
}

// ListHandlers returns the registered message types.
func (hm *HandlerManager) ListHandlers() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	names := make([]string, 0, len(hm.handlers))
	for name := range hm.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func errorReply(id string, err error) Reply {
	return Reply{Type: TypeError, ID: id, Data: map[string]string{"error": err.Error()}}
}
