package fjage

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// Parameter message classes.
const (
	ParameterReqClass = "org.arl.fjage.param.ParameterReq"
	ParameterRspClass = "org.arl.fjage.param.ParameterRsp"
)

// DefaultParamTimeout bounds a parameter get or set when no timeout is given.
const DefaultParamTimeout = 5 * time.Second

// ParamEntry is one additional parameter in a batched ParameterReq.
type ParamEntry struct {
	Param string `json:"param"`
	Value any    `json:"value,omitempty"`
}

// ParameterReq gets or sets one or more parameters of an agent. An Index of
// -1 addresses the parameter itself; a non-negative Index addresses an
// element of an indexed parameter.
type ParameterReq struct {
	Message
	Index    int          `json:"index"`
	Param    string       `json:"param,omitempty"`
	Value    any          `json:"value,omitempty"`
	Requests []ParamEntry `json:"requests,omitempty"`
}

// NewParameterReq creates an unindexed request for all parameters.
func NewParameterReq() *ParameterReq {
	return &ParameterReq{Message: newBase(ParameterReqClass), Index: -1}
}

// ParameterRsp carries the parameter values reported by an agent.
type ParameterRsp struct {
	Message
	Index    int            `json:"index"`
	Param    string         `json:"param,omitempty"`
	Value    any            `json:"value,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	ReadOnly []string       `json:"readonly,omitempty"`
}

// NewParameterRsp creates an empty INFORM response.
func NewParameterRsp() *ParameterRsp {
	return &ParameterRsp{Message: newBase(ParameterRspClass), Index: -1}
}

// All returns Values merged with the primary Param/Value pair.
func (r *ParameterRsp) All() map[string]any {
	all := make(map[string]any, len(r.Values)+1)
	maps.Copy(all, r.Values)
	if r.Param != "" {
		all[r.Param] = r.Value
	}
	return all
}

// Lookup finds name among the returned values. Agents may qualify names
// with a package or class prefix, so a key ending in "."+name also matches.
// A qualified name is compared by its last dot-separated segment.
func (r *ParameterRsp) Lookup(name string) (any, bool) {
	return lookupParam(r.All(), name)
}

func lookupParam(values map[string]any, name string) (any, bool) {
	if v, ok := values[name]; ok {
		return v, true
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
		if v, ok := values[name]; ok {
			return v, true
		}
	}
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if strings.HasSuffix(key, "."+name) {
			return values[key], true
		}
	}
	return nil, false
}

// --- AgentID parameter access ---

// Get returns the value of a single parameter.
func (a AgentID) Get(ctx context.Context, param string, opts ...ParamOption) (any, error) {
	cfg := newParamConfig(opts)
	req := NewParameterReq()
	req.Index = cfg.index
	req.Param = param

	rsp, perf, err := a.paramRequest(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	if rsp == nil || rsp.Perf != Inform || rsp.Param == "" {
		return nil, a.paramFailure([]string{param}, perf)
	}
	return rsp.Value, nil
}

// GetAll returns every parameter the agent reports, keyed by the names the
// agent uses.
func (a AgentID) GetAll(ctx context.Context, opts ...ParamOption) (map[string]any, error) {
	cfg := newParamConfig(opts)
	req := NewParameterReq()
	req.Index = cfg.index

	rsp, perf, err := a.paramRequest(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	if rsp == nil || rsp.Perf != Inform {
		return nil, a.paramFailure(nil, perf)
	}
	return rsp.All(), nil
}

// GetMany returns the values of params in the order requested. A name the
// agent did not report yields nil in its slot.
func (a AgentID) GetMany(ctx context.Context, params []string, opts ...ParamOption) ([]any, error) {
	if len(params) == 0 {
		return []any{}, nil
	}
	cfg := newParamConfig(opts)
	req := NewParameterReq()
	req.Index = cfg.index
	req.Param = params[0]
	for _, p := range params[1:] {
		req.Requests = append(req.Requests, ParamEntry{Param: p})
	}

	rsp, perf, err := a.paramRequest(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	return a.project(params, rsp, perf)
}

// Set sets a single parameter and returns the value the agent confirms.
func (a AgentID) Set(ctx context.Context, param string, value any, opts ...ParamOption) (any, error) {
	cfg := newParamConfig(opts)
	req := NewParameterReq()
	req.Index = cfg.index
	req.Param = param
	req.Value = value

	rsp, perf, err := a.paramRequest(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	if rsp == nil || rsp.Perf != Inform || rsp.Param == "" {
		return nil, a.paramFailure([]string{param}, perf)
	}
	return rsp.Value, nil
}

// SetMany sets params to the corresponding values and returns the confirmed
// values in the order requested. params and values must have equal length.
func (a AgentID) SetMany(ctx context.Context, params []string, values []any, opts ...ParamOption) ([]any, error) {
	if len(params) != len(values) {
		return nil, ErrParamMismatch
	}
	if len(params) == 0 {
		return []any{}, nil
	}
	cfg := newParamConfig(opts)
	req := NewParameterReq()
	req.Index = cfg.index
	req.Param = params[0]
	req.Value = values[0]
	for i := 1; i < len(params); i++ {
		req.Requests = append(req.Requests, ParamEntry{Param: params[i], Value: values[i]})
	}

	rsp, perf, err := a.paramRequest(ctx, req, cfg)
	if err != nil {
		return nil, err
	}
	return a.project(params, rsp, perf)
}

// paramRequest sends req and returns the response if it is a ParameterRsp,
// along with the performative of whatever reply arrived.
func (a AgentID) paramRequest(ctx context.Context, req *ParameterReq, cfg paramConfig) (*ParameterRsp, Performative, error) {
	msg, err := a.Request(ctx, req, cfg.timeout)
	if err != nil || msg == nil {
		return nil, "", err
	}
	rsp, ok := msg.(*ParameterRsp)
	if !ok {
		return nil, msg.Base().Perf, nil
	}
	return rsp, rsp.Perf, nil
}

func (a AgentID) project(params []string, rsp *ParameterRsp, perf Performative) ([]any, error) {
	out := make([]any, len(params))
	if rsp == nil || rsp.Perf != Inform {
		if err := a.paramFailure(params, perf); err != nil {
			return nil, err
		}
		return out, nil
	}
	values := rsp.All()
	for i, p := range params {
		out[i], _ = lookupParam(values, p)
	}
	return out, nil
}

// paramFailure applies the gateway's failure policy: nil in lenient mode,
// a ParamError otherwise.
func (a AgentID) paramFailure(params []string, perf Performative) error {
	if a.owner == nil || a.owner.cfg.ReturnNullOnFailedResponse {
		return nil
	}
	return &ParamError{Agent: a.name, Params: params, Perf: perf}
}
