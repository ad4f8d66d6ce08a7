package conduit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/acp-go-sdk"

	conduitacp "github.com/inercia/conduit/internal/acp"
)

// SetConfigOption sets a session config option to one of its values and
// returns the agent's updated option set.
func (c *Client) SetConfigOption(ctx context.Context, sessionID, configID, value string) ([]acp.SessionConfigOption, error) {
	sessionID, err := c.resolve("set_config_option", sessionID)
	if err != nil {
		return nil, err
	}
	cmd := &setConfigOptionCmd{call: newCall[[]acp.SessionConfigOption](ctx), sessionID: sessionID, configID: configID, value: value}
	options, err := submit(ctx, c, "set_config_option", sessionID, cmd, cmd.call)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		c.sessions.update(sessionID, func(s *Session) { s.Config = options })
	}
	return options, nil
}

// SetModel switches the model of sessionID (or the default session).
func (c *Client) SetModel(ctx context.Context, sessionID, modelID string) error {
	sessionID, err := c.resolve("set_model", sessionID)
	if err != nil {
		return err
	}
	cmd := &setModelCmd{call: newCall[struct{}](ctx), sessionID: sessionID, modelID: modelID}
	if _, err := submit(ctx, c, "set_model", sessionID, cmd, cmd.call); err != nil {
		return err
	}
	c.sessions.update(sessionID, func(s *Session) { s.Model = modelID })
	return nil
}

// Interrupt cancels the prompt running in the default session.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.CancelSession(ctx, "")
}

// ExtMethod sends an extension request. Extension methods start with an
// underscore.
func (c *Client) ExtMethod(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !conduitacp.IsExtension(method) {
		return nil, newError(KindProtocol, "ext_method", "", fmt.Errorf("%q is not an extension method", method))
	}
	cmd := &extMethodCmd{call: newCall[json.RawMessage](ctx), method: method, params: params}
	return submit(ctx, c, "ext_method", "", cmd, cmd.call)
}

func (c *setConfigOptionCmd) execute(s *supervisor) {
	params := acp.SetSessionConfigOptionRequest{
		SessionId: acp.SessionId(c.sessionID),
		ConfigId:  acp.SessionConfigId(c.configID),
		Value:     acp.SessionConfigValueId(c.value),
	}
	var res acp.SetSessionConfigOptionResponse
	if err := s.control(c.ctx, conduitacp.MethodSessionSetCfg, params, &res); err != nil {
		c.fail(s.wrap("set_config_option", c.sessionID, err))
		return
	}
	c.resolve(res.ConfigOptions, nil)
}

func (c *setModelCmd) execute(s *supervisor) {
	params := acp.UnstableSetSessionModelRequest{
		SessionId: acp.SessionId(c.sessionID),
		ModelId:   acp.UnstableModelId(c.modelID),
	}
	if err := s.control(c.ctx, conduitacp.MethodSessionSetModel, params, nil); err != nil {
		c.fail(s.wrap("set_model", c.sessionID, err))
		return
	}
	c.resolve(struct{}{}, nil)
}

func (c *extMethodCmd) execute(s *supervisor) {
	params := c.params
	if params == nil {
		params = map[string]any{}
	}
	var res json.RawMessage
	if err := s.control(c.ctx, c.method, params, &res); err != nil {
		c.fail(s.wrap("ext_method", "", err))
		return
	}
	c.resolve(res, nil)
}
