package pluginhost

import (
	"encoding/json"
	"errors"
	"net/rpc"

	"github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/sidekick/pkg/extension"
)

const pluginKey = "handler"

// WireEvent crosses the process boundary as JSON so both sides stay
// free of gob type registration.
type WireEvent struct {
	Type    string
	Payload []byte
}

// WireDecision is the RPC reply.
type WireDecision struct {
	Decision []byte
	Err      string
}

// EventHandler is the interface an extension process implements.
type EventHandler interface {
	HandleEvent(event WireEvent) (*extension.Decision, error)
}

func wireEvent(e extension.Event) WireEvent {
	payload, _ := json.Marshal(e)
	return WireEvent{Type: string(e.Type), Payload: payload}
}

// handlerPlugin wires EventHandler into go-plugin's net/rpc protocol.
type handlerPlugin struct {
	impl EventHandler
}

func (p *handlerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &handlerServer{impl: p.impl}, nil
}

func (p *handlerPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &handlerClient{client: c}, nil
}

type handlerServer struct {
	impl EventHandler
}

func (s *handlerServer) HandleEvent(event WireEvent, reply *WireDecision) error {
	decision, err := s.impl.HandleEvent(event)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	if decision != nil {
		data, err := json.Marshal(decision)
		if err != nil {
			reply.Err = err.Error()
			return nil
		}
		reply.Decision = data
	}
	return nil
}

type handlerClient struct {
	client *rpc.Client
}

func (c *handlerClient) HandleEvent(event WireEvent) (*extension.Decision, error) {
	var reply WireDecision
	if err := c.client.Call("Plugin.HandleEvent", event, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	if len(reply.Decision) == 0 {
		return nil, nil
	}
	var decision extension.Decision
	if err := json.Unmarshal(reply.Decision, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// Serve is called from an extension executable's main to expose its
// handler to the host.
func Serve(handler EventHandler) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: handshake,
		Plugins:         map[string]plugin.Plugin{pluginKey: &handlerPlugin{impl: handler}},
	})
}
